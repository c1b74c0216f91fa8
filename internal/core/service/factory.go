package service

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/config"
	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/internal/scheduler"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// Options reúne os colaboradores compartilhados por todos os adapters
type Options struct {
	Store     store.FlowStore
	Scheduler *scheduler.Scheduler
	Routes    ports.RouteRegistrar
	// Broker pode ser nil quando o NATS está desabilitado
	Broker        ports.Broker
	Agents        ports.AgentCaller
	Defaults      config.DefaultsConfig
	MaxDeliveries int
	RateSign      string
	Logger        *zap.Logger
}

type runtime struct {
	store         store.FlowStore
	scheduler     *scheduler.Scheduler
	routes        ports.RouteRegistrar
	broker        ports.Broker
	agents        ports.AgentCaller
	outbox        *Outbox
	egress        *BrokerEgress
	backpressure  *BackPressureCalculator
	maxDeliveries int
	logger        *zap.Logger
	now           func() time.Time
}

// Factory constrói a variante certa de adapter para cada spec
type Factory struct {
	rt       *runtime
	defaults config.DefaultsConfig
	validate *validator.Validate
}

func NewFactory(opts Options) *Factory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}

	return &Factory{
		rt: &runtime{
			store:         opts.Store,
			scheduler:     opts.Scheduler,
			routes:        opts.Routes,
			broker:        opts.Broker,
			agents:        opts.Agents,
			outbox:        NewOutbox(opts.Store),
			egress:        NewBrokerEgress(opts.Broker, opts.Store),
			backpressure:  NewBackPressureCalculator(opts.Store, opts.RateSign),
			maxDeliveries: opts.MaxDeliveries,
			logger:        logger,
			now:           time.Now,
		},
		defaults: opts.Defaults,
		validate: validator.New(),
	}
}

// Build valida a spec, aplica defaults e devolve o adapter ainda não inicializado
func (f *Factory) Build(graph string, spec types.AdapterSpec) (*Adapter, error) {
	b, err := behaviorOf(spec.Type)
	if err != nil {
		return nil, domain.ConfigurationError("adapter_build", err).WithAdapter(graph, spec.Name)
	}

	spec = f.withDefaults(spec)
	if err := f.check(spec); err != nil {
		return nil, domain.ConfigurationError("adapter_build", err).WithAdapter(graph, spec.Name)
	}

	ac, err := NewAdapterContext(graph, spec)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		ac:       ac,
		behavior: b,
		rt:       f.rt,
		logger: f.rt.logger.With(
			zap.String("graph", graph),
			zap.String("adapter", spec.Name),
			zap.String("type", spec.Type.String()),
		),
	}, nil
}

func (f *Factory) withDefaults(spec types.AdapterSpec) types.AdapterSpec {
	if spec.Settings.InboxPollFrequencyMs == 0 {
		spec.Settings.InboxPollFrequencyMs = f.defaults.InboxPollFrequencyMs
	}
	if spec.Settings.BackpressurePollFrequencyMs == 0 {
		spec.Settings.BackpressurePollFrequencyMs = f.defaults.BackpressurePollFrequencyMs
	}

	caps, _ := domain.CapabilitiesOf(spec.Type)
	if caps.EgressSettings {
		egress := types.EgressSettings{}
		if spec.Egress != nil {
			egress = *spec.Egress
		}
		if egress.EgressConcurrency == 0 {
			egress.EgressConcurrency = f.defaults.EgressConcurrency
		}
		if egress.HTTPOutputType == "" {
			egress.HTTPOutputType = types.HTTPOutputPost
		}
		spec.Egress = &egress
	}

	if spec.Poll != nil && spec.Poll.PollFrequencyMs == 0 {
		poll := *spec.Poll
		poll.PollFrequencyMs = f.defaults.PollFrequencyMs
		spec.Poll = &poll
	}
	return spec
}

func (f *Factory) check(spec types.AdapterSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("adapter %s has no id", spec.Name)
	}
	if err := f.validate.Struct(spec); err != nil {
		return err
	}

	caps, err := domain.CapabilitiesOf(spec.Type)
	if err != nil {
		return err
	}

	passthrough := spec.Settings.IsPassthrough
	if passthrough && !caps.ValidPassthrough {
		return fmt.Errorf("passthrough is not valid for %s adapters", spec.Type)
	}
	if caps.Agent && !passthrough && spec.Agent == nil {
		return domain.ErrMissingAgent
	}
	if caps.Endpoint && !passthrough {
		switch {
		case spec.Type == types.AdapterEgress:
			u, err := url.Parse(spec.Endpoint)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("egress endpoint must be an absolute url, got %q", spec.Endpoint)
			}
		case spec.Agent != nil && spec.Endpoint == "":
			return fmt.Errorf("endpoint is required for %s adapters with an agent", spec.Type)
		}
	}

	switch spec.Type {
	case types.AdapterPublish, types.AdapterSubscribe:
		if spec.Broker == nil {
			return domain.ErrBrokerNotConfigured
		}
		if spec.Broker.Type != types.BrokerNATS {
			return fmt.Errorf("%w: unrecognized broker type %q", domain.ErrBrokerNotConfigured, spec.Broker.Type)
		}
	case types.AdapterPoll:
		if spec.Poll == nil {
			return fmt.Errorf("poll settings are required for %s adapters", spec.Type)
		}
	}
	return nil
}
