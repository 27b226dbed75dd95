package usecase

import (
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) ObserveOutcome(domain.Outcome)            {}
func (noopMetrics) ObserveStage(domain.Stage, time.Duration) {}
func (noopMetrics) ObserveExtraction(string, bool)           {}
func (noopMetrics) ObserveTagChanges(int, int)               {}
func (noopMetrics) ObserveResync(int)                        {}

func metricsOrNoop(m ports.PipelineMetrics) ports.PipelineMetrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
