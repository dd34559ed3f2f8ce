package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/repositories"
)

const analyticsPageSize = 100

// Analytics bucket sizes accepted by AnalyticsQuery.GroupBy.
const (
	AnalyticsGroupByDay   = "day"
	AnalyticsGroupByWeek  = "week"
	AnalyticsGroupByMonth = "month"
)

var revenueStatuses = []OrderStatus{
	domain.OrderStatusConfirmed,
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

func (s *orderService) UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error) {
	status := PaymentStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, cmd.Status)
	}
	failure := sanitizeText(cmd.FailureReason)

	var (
		order    Order
		previous OrderStatus
	)
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		previous = order.Status
		now := s.now()

		order.Payment.Status = status
		if txID := strings.TrimSpace(cmd.TransactionID); txID != "" {
			order.Payment.TransactionID = txID
		}
		switch status {
		case domain.PaymentStatusCompleted:
			order.Payment.PaidAt = &now
			order.Payment.FailureReason = ""
		case domain.PaymentStatusFailed:
			order.Payment.FailureReason = failure
		}

		note := fmt.Sprintf("Payment status updated to %s", status)
		var entry StatusHistoryEntry
		if status == domain.PaymentStatusCompleted && order.Status == domain.OrderStatusPending {
			entry, _, err = transition(&order, domain.OrderStatusConfirmed, note, cmd.Actor.ID, now, false)
			if err != nil {
				return err
			}
		} else {
			order.UpdatedAt = now
			entry = noteEntry(order, note, cmd.Actor.ID, now)
		}
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}
	if previous != order.Status {
		s.statusChanged(ctx, order, previous, cmd.Actor.ID)
	}
	return order, nil
}

func (s *orderService) UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error) {
	if cmd.Status != nil && !cmd.Status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown shipping status %q", ErrOrderInvalidInput, *cmd.Status)
	}

	var order Order
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		now := s.now()
		changes := make([]string, 0, 5)
		if cmd.TrackingNumber != nil {
			order.Shipping.TrackingNumber = strings.TrimSpace(*cmd.TrackingNumber)
			changes = append(changes, "tracking number "+order.Shipping.TrackingNumber)
		}
		if cmd.Carrier != nil {
			order.Shipping.Carrier = strings.TrimSpace(*cmd.Carrier)
			changes = append(changes, "carrier "+order.Shipping.Carrier)
		}
		if cmd.TrackingURL != nil {
			order.Shipping.TrackingURL = strings.TrimSpace(*cmd.TrackingURL)
		}
		if cmd.EstimatedDelivery != nil {
			eta := cmd.EstimatedDelivery.UTC()
			order.Shipping.EstimatedDelivery = &eta
			changes = append(changes, "estimated delivery "+eta.Format(time.DateOnly))
		}
		if cmd.Status != nil {
			order.Shipping.Status = *cmd.Status
			switch *cmd.Status {
			case domain.ShippingStatusShipped:
				if order.Shipping.ShippedAt == nil {
					order.Shipping.ShippedAt = &now
				}
			case domain.ShippingStatusDelivered:
				if order.Shipping.DeliveredAt == nil {
					order.Shipping.DeliveredAt = &now
				}
			}
			changes = append(changes, "status "+string(*cmd.Status))
		}
		if len(changes) == 0 {
			return fmt.Errorf("%w: no shipping fields to update", ErrOrderInvalidInput)
		}
		order.UpdatedAt = now
		entry := noteEntry(order, "Shipping updated: "+strings.Join(changes, ", "), cmd.Actor.ID, now)
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error) {
	note := sanitizeText(cmd.Note)
	if note == "" {
		return Order{}, fmt.Errorf("%w: note is required", ErrOrderInvalidInput)
	}
	if utf8.RuneCountInString(note) > maxOrderNote {
		return Order{}, fmt.Errorf("%w: note must be at most %d characters", ErrOrderInvalidInput, maxOrderNote)
	}

	var order Order
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if cmd.AdminNote {
			order.AdminNotes = appendNote(order.AdminNotes, note)
		} else {
			order.Notes = appendNote(order.Notes, note)
		}
		order.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + notesSeparator + note
}

func (s *orderService) ApplyDiscount(ctx context.Context, cmd ApplyDiscountCommand) (Order, error) {
	if cmd.Amount < 0 {
		return Order{}, fmt.Errorf("%w: discount must not be negative", ErrOrderInvalidInput)
	}
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))

	var order Order
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending || order.IsPaid() {
			return fmt.Errorf("%w: discounts apply only to unpaid pending orders", ErrOrderInvalidState)
		}
		if order.Payment.PaymentIntentID != "" {
			return fmt.Errorf("%w: discounts cannot change an order with an open payment", ErrOrderInvalidState)
		}
		now := s.now()
		order.Discount = min(cmd.Amount, order.Subtotal)
		order.DiscountCode = code
		order.Total = OrderTotal(order.Subtotal, order.ShippingCost, order.Tax, order.Discount)
		order.Payment.Amount = order.Total
		order.UpdatedAt = now

		note := "Discount applied: " + FormatMoney(order.Discount, order.Currency)
		if code != "" {
			note += " (" + code + ")"
		}
		entry := noteEntry(order, note, cmd.Actor.ID, now)
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) Analytics(ctx context.Context, query AnalyticsQuery) (OrderAnalytics, error) {
	groupBy := strings.ToLower(strings.TrimSpace(query.GroupBy))
	if groupBy == "" {
		groupBy = AnalyticsGroupByDay
	}
	if groupBy != AnalyticsGroupByDay && groupBy != AnalyticsGroupByWeek && groupBy != AnalyticsGroupByMonth {
		return OrderAnalytics{}, fmt.Errorf("%w: groupBy must be day, week or month", ErrOrderInvalidInput)
	}
	end := query.End.UTC()
	if end.IsZero() {
		end = s.now()
	}
	start := query.Start.UTC()
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	if end.Before(start) {
		return OrderAnalytics{}, fmt.Errorf("%w: end date must not precede start date", ErrOrderInvalidInput)
	}

	result := OrderAnalytics{
		Start:              start,
		End:                end,
		GroupBy:            groupBy,
		StatusDistribution: make(map[OrderStatus]int),
	}
	buckets := make(map[string]*AnalyticsBucket)
	var periods []string

	for page := 1; ; page++ {
		batch, err := s.orders.List(ctx, repositories.OrderListFilter{
			OrderDate:  domain.RangeQuery[time.Time]{From: &start, To: &end},
			Pagination: Pagination{Page: page, Limit: analyticsPageSize},
		})
		if err != nil {
			return OrderAnalytics{}, s.mapRepositoryError(err)
		}
		for _, o := range batch.Items {
			result.StatusDistribution[o.Status]++
			if !isRevenueStatus(o.Status) {
				continue
			}
			key := analyticsPeriod(o.OrderDate, groupBy)
			bucket, ok := buckets[key]
			if !ok {
				bucket = &AnalyticsBucket{Period: key}
				buckets[key] = bucket
				periods = append(periods, key)
			}
			bucket.Revenue += o.Total
			bucket.Orders++
			result.TotalRevenue += o.Total
			result.TotalOrders++
		}
		if !batch.HasNext || len(batch.Items) == 0 {
			break
		}
	}

	slices.Sort(periods)
	result.Buckets = make([]AnalyticsBucket, 0, len(periods))
	for _, key := range periods {
		bucket := *buckets[key]
		bucket.AverageOrderValue = average(bucket.Revenue, bucket.Orders)
		result.Buckets = append(result.Buckets, bucket)
	}
	result.AverageOrderValue = average(result.TotalRevenue, result.TotalOrders)
	return result, nil
}

func isRevenueStatus(status OrderStatus) bool {
	return slices.Contains(revenueStatuses, status)
}

// analyticsPeriod buckets t as 2006-01-02, ISO week 2006-W01 or month 2006-01.
func analyticsPeriod(t time.Time, groupBy string) string {
	t = t.UTC()
	switch groupBy {
	case AnalyticsGroupByWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case AnalyticsGroupByMonth:
		return t.Format("2006-01")
	default:
		return t.Format(time.DateOnly)
	}
}

func average(total int64, count int) int64 {
	if count == 0 {
		return 0
	}
	return (total + int64(count)/2) / int64(count)
}
