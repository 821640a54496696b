package stream

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
)

const (
	// DefaultMaxAlerts is how many alerts the store retains.
	DefaultMaxAlerts = 200
	// MaxEvents is how many unknown frames the store retains for diagnostics.
	MaxEvents = 50

	// BusChannel is the pub/sub channel frames are mirrored onto.
	BusChannel = "tradedesk:stream"

	sinkTimeout = 2 * time.Second
)

// Notification event types sent to the Notifier.
const (
	EventAlert            = "alert"
	EventConnectionLost   = "connection_lost"
	EventRetriesExhausted = "retries_exhausted"
)

// Notifier forwards operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// FrameRecorder captures raw frames.
type FrameRecorder interface {
	Record(frame []byte)
}

// DispatcherConfig wires the optional sinks. Every field may be left zero.
type DispatcherConfig struct {
	MaxAlerts int
	Prices    domain.PriceCache
	Bus       domain.SignalBus
	Journal   domain.AlertJournal
	Notifier  Notifier
	Recorder  FrameRecorder
	// OnToast receives every alert as it arrives.
	OnToast func(domain.Alert)
}

// Dispatcher applies decoded stream messages and connection events to the
// store and mirrors them to the configured sinks. Sink failures are logged and
// never reach the stream.
type Dispatcher struct {
	store  *livestore.Store
	cfg    DispatcherConfig
	logger *slog.Logger
	now    func() time.Time

	wasOpen   bool
	exhausted bool
}

// NewDispatcher returns a dispatcher writing into store.
func NewDispatcher(store *livestore.Store, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultMaxAlerts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "dispatch")),
		now:    time.Now,
	}
}

// Handlers returns the connection callbacks that feed this dispatcher.
func (d *Dispatcher) Handlers() Handlers {
	return Handlers{
		OnFrame:   d.HandleFrame,
		OnMessage: d.HandleMessage,
		OnStatus:  d.HandleStatus,
	}
}

// HandleMessage routes one decoded message. A nil message (a frame Decode
// rejected) is ignored.
func (d *Dispatcher) HandleMessage(msg domain.Message) {
	if msg == nil {
		return
	}
	switch m := msg.(type) {
	case domain.PositionsMessage:
		d.store.SetState(livestore.Patch{Positions: m.Items})
	case domain.OrdersMessage:
		d.store.SetState(livestore.Patch{Orders: m.Items})
	case domain.RiskMessage:
		d.store.SetState(livestore.Patch{Risk: livestore.Ref(m.State)})
	case domain.AlertMessage:
		d.handleAlert(m)
	case domain.PriceMessage:
		d.handlePrice(m)
	case domain.MarketDataMessage:
		d.handleQuote(m.Payload)
	case domain.UnknownMessage:
		d.handleUnknown(m)
	default:
		d.logger.Debug("unhandled message", slog.String("kind", msg.Kind()))
		return
	}
	d.publish(msg)
}

// HandleFrame passes a raw frame to the recorder.
func (d *Dispatcher) HandleFrame(frame []byte) {
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.Record(frame)
	}
}

// HandleStatus mirrors the connection status into the store and notifies on
// lost connections and an exhausted retry budget.
func (d *Dispatcher) HandleStatus(st domain.ConnectionStatus) {
	connected := st.State == domain.StateOpen
	d.store.SetState(livestore.Patch{Connected: &connected, Status: &st})

	switch {
	case connected:
		d.wasOpen = true
		d.exhausted = false
	case st.State == domain.StateClosed && d.wasOpen:
		d.wasOpen = false
		d.notify(EventConnectionLost, "Stream disconnected", "The live data connection to the backend was lost.")
	}
	if st.Exhausted && !d.exhausted {
		d.exhausted = true
		d.notify(EventRetriesExhausted, "Stream offline",
			fmt.Sprintf("Gave up reconnecting after %d attempts: %s", st.Attempts, st.LastError))
	}
}

func (d *Dispatcher) handleAlert(m domain.AlertMessage) {
	alert := domain.Alert{Level: m.Level, Msg: m.Msg, ReceivedAt: d.now()}

	limit := d.cfg.MaxAlerts
	d.store.Update(func(st livestore.State) livestore.Patch {
		keep := st.Alerts
		if len(keep) >= limit {
			keep = keep[len(keep)-limit+1:]
		}
		alerts := make([]domain.Alert, 0, len(keep)+1)
		alerts = append(alerts, keep...)
		return livestore.Patch{Alerts: append(alerts, alert)}
	})

	if d.cfg.OnToast != nil {
		d.cfg.OnToast(alert)
	}
	if d.cfg.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := d.cfg.Journal.Append(ctx, alert); err != nil {
			d.logger.Warn("alert journal append failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	d.notify(EventAlert, "Alert: "+alert.Level, alert.Msg)
}

func (d *Dispatcher) handlePrice(m domain.PriceMessage) {
	d.store.Update(func(st livestore.State) livestore.Patch {
		prices := make(map[string]float64, len(st.Prices)+1)
		maps.Copy(prices, st.Prices)
		prices[m.Symbol] = m.Last
		return livestore.Patch{Prices: prices}
	})
	d.mirrorPrice(m.Symbol, m.Last)
}

func (d *Dispatcher) handleQuote(q domain.Quote) {
	q.Realtime = true
	q.ReceivedAt = d.now()
	d.store.Update(func(st livestore.State) livestore.Patch {
		quotes := make(map[string]domain.Quote, len(st.Quotes)+1)
		maps.Copy(quotes, st.Quotes)
		quotes[q.Symbol] = q
		return livestore.Patch{Quotes: quotes}
	})
	d.mirrorPrice(q.Symbol, q.Price)
}

func (d *Dispatcher) handleUnknown(m domain.UnknownMessage) {
	ev := domain.Event{Type: m.Type, Raw: m.Raw, ReceivedAt: d.now()}
	d.store.Update(func(st livestore.State) livestore.Patch {
		n := min(len(st.Events), MaxEvents-1)
		events := make([]domain.Event, 0, n+1)
		events = append(events, ev)
		return livestore.Patch{Events: append(events, st.Events[:n]...)}
	})
}

func (d *Dispatcher) mirrorPrice(symbol string, price float64) {
	if d.cfg.Prices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := d.cfg.Prices.SetPrice(ctx, symbol, price, d.now()); err != nil {
		d.logger.Warn("price mirror failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) publish(msg domain.Message) {
	if d.cfg.Bus == nil {
		return
	}
	payload, err := Encode(msg)
	if err != nil {
		d.logger.Warn("encode for bus failed", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := d.cfg.Bus.Publish(ctx, BusChannel, payload); err != nil {
		d.logger.Warn("bus publish failed", slog.String("error", err.Error()))
	}
}

// notify sends in the background.
func (d *Dispatcher) notify(event, title, message string) {
	if d.cfg.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.cfg.Notifier.Notify(ctx, event, title, message); err != nil {
			d.logger.Warn("notify failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}()
}
