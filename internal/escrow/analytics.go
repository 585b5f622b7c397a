package escrow

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Stats provides aggregate metrics across the desk's escrows.
type Stats struct {
	TotalCount        int                        `json:"totalCount"`
	ByStatus          map[string]int             `json:"byStatus"`
	VolumeByCurrency  map[string]decimal.Decimal `json:"volumeByCurrency"`
	DisputeRate       float64                    `json:"disputeRate"` // 0-100
	AvgCompletionSecs float64                    `json:"avgCompletionSecs"`
	TopSellers        []PartyStats               `json:"topSellers"`
}

// PartyStats provides per-counterparty aggregate info.
type PartyStats struct {
	Handle      string                     `json:"handle"`
	EscrowCount int                        `json:"escrowCount"`
	Volume      map[string]decimal.Decimal `json:"volume"`
}

// statsScanLimit caps how many records a stats pass will read.
const statsScanLimit = 10000

// AnalyticsService computes aggregate desk metrics by paging through the
// store. Intended for the operator dashboard, not hot paths.
type AnalyticsService struct {
	store Store
}

// NewAnalyticsService creates an analytics service.
func NewAnalyticsService(store Store) *AnalyticsService {
	return &AnalyticsService{store: store}
}

// DeskStats computes aggregate metrics across all escrows.
func (a *AnalyticsService) DeskStats(ctx context.Context) (*Stats, error) {
	result := &Stats{
		ByStatus:         make(map[string]int),
		VolumeByCurrency: make(map[string]decimal.Decimal),
	}

	var completionSecs []float64
	disputeCount := 0
	sellerVolumes := make(map[string]map[string]decimal.Decimal)
	sellerCounts := make(map[string]int)

	var afterID int64
	const pageSize = 1000
	for result.TotalCount < statsScanLimit {
		page, err := a.store.List(ctx, afterID, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, e := range page {
			result.TotalCount++
			result.ByStatus[e.Status.String()]++

			if e.Status != StatusInit && e.Status != StatusDispute {
				result.VolumeByCurrency[e.Currency] = result.VolumeByCurrency[e.Currency].Add(e.Amount)

				if _, ok := sellerVolumes[e.SellerHandle]; !ok {
					sellerVolumes[e.SellerHandle] = make(map[string]decimal.Decimal)
				}
				sellerVolumes[e.SellerHandle][e.Currency] = sellerVolumes[e.SellerHandle][e.Currency].Add(e.Amount)
				sellerCounts[e.SellerHandle]++
			}

			if e.Status == StatusDispute {
				disputeCount++
			}

			// UpdatedAt is last touched at completion, so for COMPLETED rows
			// it marks when the trade closed.
			if e.Status == StatusCompleted {
				if secs := e.UpdatedAt.Sub(e.CreatedAt).Seconds(); secs > 0 {
					completionSecs = append(completionSecs, secs)
				}
			}
		}

		if len(page) < pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	if result.TotalCount > 0 {
		result.DisputeRate = float64(disputeCount) / float64(result.TotalCount) * 100
	}

	if len(completionSecs) > 0 {
		sum := 0.0
		for _, secs := range completionSecs {
			sum += secs
		}
		result.AvgCompletionSecs = sum / float64(len(completionSecs))
	}

	result.TopSellers = topSellers(sellerVolumes, sellerCounts, 10)
	return result, nil
}

// topSellers ranks counterparties by escrow count, ties broken by handle.
func topSellers(volumes map[string]map[string]decimal.Decimal, counts map[string]int, n int) []PartyStats {
	sellers := make([]PartyStats, 0, len(volumes))
	for handle, vol := range volumes {
		sellers = append(sellers, PartyStats{
			Handle:      handle,
			EscrowCount: counts[handle],
			Volume:      vol,
		})
	}
	sort.Slice(sellers, func(i, j int) bool {
		if sellers[i].EscrowCount != sellers[j].EscrowCount {
			return sellers[i].EscrowCount > sellers[j].EscrowCount
		}
		return sellers[i].Handle < sellers[j].Handle
	})
	if len(sellers) > n {
		sellers = sellers[:n]
	}
	return sellers
}
