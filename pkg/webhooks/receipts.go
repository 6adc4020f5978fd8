package webhooks

import (
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// Receipt outcomes that are not billing outcomes
const (
	OutcomeRejected = "rejected"
	OutcomeIgnored  = "ignored"
	OutcomeUnknown  = "unknown_reference"
	OutcomeFailed   = "failed"
)

// Receipt records how one delivery was handled
type Receipt struct {
	ID           string           `json:"id"`
	Provider     billing.Provider `json:"provider"`
	EventID      string           `json:"event_id,omitempty"`
	EventType    string           `json:"event_type,omitempty"`
	WorkspaceID  string           `json:"workspace_id,omitempty"`
	Outcome      string           `json:"outcome"`
	StatusCode   int              `json:"status_code"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ReceivedAt   time.Time        `json:"received_at"`
	Duration     time.Duration    `json:"duration"`
}

// ReceiptLog keeps the most recent receipts in memory
type ReceiptLog struct {
	receipts map[string]*Receipt
	mutex    sync.RWMutex
	max      int
}

// NewReceiptLog creates a receipt log holding at most max receipts
func NewReceiptLog(max int) *ReceiptLog {
	if max <= 0 {
		max = 1000
	}
	return &ReceiptLog{
		receipts: make(map[string]*Receipt),
		max:      max,
	}
}

// Add records a receipt, evicting the oldest when full
func (l *ReceiptLog) Add(r *Receipt) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.receipts) >= l.max {
		l.evictOldest()
	}
	l.receipts[r.ID] = r
}

// Get retrieves a receipt by ID
func (l *ReceiptLog) Get(id string) (*Receipt, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	r, ok := l.receipts[id]
	return r, ok
}

// Recent returns receipts newest first. An empty provider matches all.
func (l *ReceiptLog) Recent(provider billing.Provider, limit int) []*Receipt {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var result []*Receipt
	for _, r := range l.receipts {
		if provider == "" || r.Provider == provider {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ByEvent returns every receipt for a provider event id
func (l *ReceiptLog) ByEvent(eventID string) []*Receipt {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var result []*Receipt
	for _, r := range l.receipts {
		if r.EventID == eventID {
			result = append(result, r)
		}
	}
	return result
}

// evictOldest removes the oldest 10% of receipts
func (l *ReceiptLog) evictOldest() {
	all := make([]*Receipt, 0, len(l.receipts))
	for _, r := range l.receipts {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ReceivedAt.Before(all[j].ReceivedAt)
	})

	n := len(all) / 10
	if n == 0 {
		n = 1
	}
	for i := 0; i < n && i < len(all); i++ {
		delete(l.receipts, all[i].ID)
	}
}

// Stats summarizes receipts for a provider. An empty provider matches all.
func (l *ReceiptLog) Stats(provider billing.Provider) ReceiptStats {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	stats := ReceiptStats{Provider: provider, Outcomes: map[string]int{}}
	for _, r := range l.receipts {
		if provider != "" && r.Provider != provider {
			continue
		}
		stats.Total++
		stats.Outcomes[r.Outcome]++
		stats.TotalDuration += r.Duration
		if r.StatusCode >= 400 {
			stats.Errors++
		}
	}

	if stats.Total > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Total)
		stats.ErrorRate = float64(stats.Errors) / float64(stats.Total)
	}
	return stats
}

// ReceiptStats represents delivery statistics
type ReceiptStats struct {
	Provider        billing.Provider `json:"provider,omitempty"`
	Total           int              `json:"total"`
	Errors          int              `json:"errors"`
	ErrorRate       float64          `json:"error_rate"`
	Outcomes        map[string]int   `json:"outcomes"`
	AverageDuration time.Duration    `json:"average_duration"`
	TotalDuration   time.Duration    `json:"total_duration"`
}
