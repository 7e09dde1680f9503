// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package commander

import (
	"context"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
)

// addRule registers r, replacing an existing rule for the same interface
// and transition.
func (c *Commander) addRule(r event.MonitorRule) {
	for i, cur := range c.rules {
		if cur.Link == r.Link && cur.IfaceIndex == r.IfaceIndex && cur.IfaceName == r.IfaceName {
			c.rules[i] = r
			return
		}
	}
	c.rules = append(c.rules, r)
	c.ruleCount.Store(int64(len(c.rules)))
}

func ruleMatches(r event.MonitorRule, link event.LinkKind, ch event.LinkChange) bool {
	if r.Link != link {
		return false
	}
	if r.IfaceIndex != 0 {
		return r.IfaceIndex == ch.IfaceIndex
	}
	return r.IfaceName != "" && r.IfaceName == ch.IfaceName
}

// onLink emits the follow-up of every rule matching a link notification.
// Follow-ups are fire-and-forget: they are not tracked as workflows.
func (c *Commander) onLink(ctx context.Context, ev *event.Event, link event.LinkKind, ch event.LinkChange) {
	matched := 0
	for _, r := range c.rules {
		if !ruleMatches(r, link, ch) {
			continue
		}
		matched++
		req := event.DHCPRequest{IfaceIndex: ch.IfaceIndex, IfaceName: ch.IfaceName}
		if req.IfaceName == "" {
			req.IfaceName = r.IfaceName
		}
		var payload event.Payload
		switch r.FollowUp {
		case event.FollowUpStartDHCP:
			p := event.StartDHCP(req)
			payload = &p
		case event.FollowUpStopDHCP:
			p := event.StopDHCP(req)
			payload = &p
		default:
			continue
		}
		out := ev.FollowUp(event.Commander(), event.Role(RoleDHCP), payload)
		metrics.IncFollowUp(string(r.FollowUp))
		c.logger.Info().
			Str(log.FieldEvent, "commander.follow_up").
			Str(log.FieldRefID, ev.ID.String()).
			Str(log.FieldKind, string(payload.Kind())).
			Uint32("iface_index", ch.IfaceIndex).
			Msg("monitor rule fired")
		c.send(ctx, out)
	}
	if matched == 0 {
		c.logger.Debug().
			Str(log.FieldEvent, "commander.link_unmatched").
			Str("link", string(link)).
			Uint32("iface_index", ch.IfaceIndex).
			Msg("no monitor rule for link change")
	}
}
