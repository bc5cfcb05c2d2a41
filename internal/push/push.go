// Package push delivers out-of-band notifications to a user's registered
// Web Push endpoints.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/stats"
	"go.uber.org/zap"
)

const (
	MetricDelivered = "PushDelivered"
	MetricFailed    = "PushFailed"
	MetricPruned    = "PushPruned"

	defaultIcon = "/static/icon-192.png"
)

// ErrGone is returned by a Sender when the push service reports the
// endpoint no longer exists.
var ErrGone = errors.New("push subscription gone")

const errNoSubscriptions = "no subscriptions found for user"

type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

type Result struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

func (r *Result) add(other Result) {
	r.Success += other.Success
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
}

type payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon"`
	Badge string         `json:"badge"`
	Data  map[string]any `json:"data"`
}

type Sender interface {
	Send(ctx context.Context, sub database.PushSubscription, payload []byte) error
}

type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, owner string) ([]database.PushSubscription, error)
	DeletePushSubscriptionById(ctx context.Context, id int64) error
}

type Dispatcher struct {
	log    *zap.Logger
	store  SubscriptionStore
	sender Sender
	stats  stats.StatsProvider
	icon   string
}

func NewDispatcher(logger *zap.Logger, store SubscriptionStore, sender Sender, su stats.StatsProvider) *Dispatcher {
	su.RegisterMetric(MetricDelivered)
	su.RegisterMetric(MetricFailed)
	su.RegisterMetric(MetricPruned)

	return &Dispatcher{
		log:    logger,
		store:  store,
		sender: sender,
		stats:  su,
		icon:   defaultIcon,
	}
}

func (d *Dispatcher) encode(n Notification) ([]byte, error) {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}

	return json.Marshal(payload{
		Title: n.Title,
		Body:  n.Body,
		Icon:  d.icon,
		Badge: d.icon,
		Data:  data,
	})
}

// Dispatch delivers n to every subscription owned by user. Delivery
// failures are counted and described in the Result, never returned.
// Subscriptions the push service reports as gone are deleted.
func (d *Dispatcher) Dispatch(ctx context.Context, user string, n Notification) Result {
	res := Result{Errors: []string{}}

	// the subscription rows are fully read before any delivery starts so no
	// store connection is held while waiting on push services
	subs, err := d.store.ListPushSubscriptions(ctx, user)
	if err != nil {
		d.log.Error("list push subscriptions", zap.String("user", user), zap.Error(err))
		res.Errors = append(res.Errors, fmt.Sprintf("list subscriptions: %v", err))
		return res
	}

	if len(subs) == 0 {
		res.Errors = append(res.Errors, errNoSubscriptions)
		return res
	}

	body, err := d.encode(n)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("encode payload: %v", err))
		return res
	}

	for _, sub := range subs {
		err := d.sender.Send(ctx, sub, body)
		if err == nil {
			res.Success++
			d.stats.Incr(MetricDelivered)
			continue
		}

		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("subscription %d: %v", sub.Id, err))
		d.stats.Incr(MetricFailed)

		if errors.Is(err, ErrGone) {
			if delErr := d.store.DeletePushSubscriptionById(ctx, sub.Id); delErr != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("delete subscription %d: %v", sub.Id, delErr))
				continue
			}
			d.stats.Incr(MetricPruned)
			d.log.Info("pruned gone push subscription", zap.String("user", user), zap.Int64("subscription_id", sub.Id))
		}
	}

	return res
}

// DispatchMany delivers n to each user in turn and sums the results.
func (d *Dispatcher) DispatchMany(ctx context.Context, users []string, n Notification) Result {
	total := Result{Errors: []string{}}
	for _, user := range users {
		total.add(d.Dispatch(ctx, user, n))
	}

	return total
}
