package service

import (
	"context"

	"github.com/diogoX451/ubiquia-flow/internal/config"
	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// BackPressureCalculator amostra a profundidade da inbox e monta o snapshot
type BackPressureCalculator struct {
	store    store.FlowStore
	rateSign string
}

func NewBackPressureCalculator(s store.FlowStore, rateSign string) *BackPressureCalculator {
	if rateSign == "" {
		rateSign = config.RateOlderMinusNewer
	}
	return &BackPressureCalculator{store: s, rateSign: rateSign}
}

// Sample lê as mensagens pendentes e empurra o valor para o anel do adapter
func (b *BackPressureCalculator) Sample(ctx context.Context, ac *AdapterContext) error {
	n, err := b.store.CountPending(ctx, ac.ID())
	if err != nil {
		return domain.TransientIOError("backpressure_sample", err).WithAdapter(ac.GraphName(), ac.Name())
	}
	ac.pushSample(n)
	return nil
}

func (b *BackPressureCalculator) Calculate(ac *AdapterContext) types.BackPressure {
	bp := types.BackPressure{
		Ingress: ingress(ac.Samples(), ac.Spec().Settings.BackpressurePollFrequencyMs, b.rateSign),
	}
	if ac.EgressBounded() {
		bp.Egress = &types.Egress{
			MaxOpenMessages:     ac.EgressConcurrency(),
			CurrentOpenMessages: ac.OpenMessages(),
		}
	}
	return bp
}

// ingress extrapola a variação entre as duas amostras mais novas para um valor por minuto.
// Com uma amostra só, a taxa é o próprio valor.
func ingress(samples []int64, frequencyMs int64, sign string) types.Ingress {
	switch len(samples) {
	case 0:
		return types.Ingress{}
	case 1:
		return types.Ingress{QueuedRecords: samples[0], QueueRatePerMinute: float64(samples[0])}
	}

	newer, older := samples[0], samples[1]
	delta := older - newer
	if sign == config.RateNewerMinusOlder {
		delta = newer - older
	}

	var perMinute float64
	if frequencyMs > 0 {
		perMinute = 60000 / float64(frequencyMs)
	}
	return types.Ingress{
		QueuedRecords:      newer,
		QueueRatePerMinute: float64(delta) * perMinute,
	}
}
