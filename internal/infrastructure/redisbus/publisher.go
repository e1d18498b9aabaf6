package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

// Publisher puts events on the bus. The channel is derived from the event's
// target ids; the gateway's pattern subscriptions cover every derived form.
type Publisher struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewPublisher(client *redis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		log:    log.With().Str("component", "bus_publisher").Logger(),
	}
}

// DeriveChannel picks the most specific channel for an event.
func DeriveChannel(ev *domain.Event) string {
	typ := string(ev.Type)
	switch {
	case strings.HasPrefix(typ, "TICKET_"):
		return fmt.Sprintf("branch:%d:kitchen", ev.BranchID)
	case strings.HasPrefix(typ, "ENTITY_") || ev.Type == domain.CascadeDelete:
		return fmt.Sprintf("branch:%d:admin", ev.BranchID)
	case ev.SectorID > 0:
		return fmt.Sprintf("sector:%d:waiters", ev.SectorID)
	case ev.BranchID == 0 && ev.SessionID > 0:
		return fmt.Sprintf("session:%d", ev.SessionID)
	default:
		return fmt.Sprintf("branch:%d:waiters", ev.BranchID)
	}
}

// Publish serializes ev and publishes it on its derived channel.
func (p *Publisher) Publish(ctx context.Context, ev *domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := DeriveChannel(ev)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	p.log.Debug().
		Str("channel", channel).
		Str("type", string(ev.Type)).
		Msg("event published")
	return nil
}
