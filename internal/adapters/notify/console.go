package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console implementa ports.Notifier escribiendo una línea por evento,
// y además imprime los informes de estado y allocation del CLI.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Notify imprime el evento de settlement.
func (c *Console) Notify(_ context.Context, ev domain.SettlementEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := ev.At.Local().Format("15:04:05")
	var err error
	switch ev.Kind {
	case domain.EventSettled:
		_, err = fmt.Fprintf(c.out, "[%s] #%d SETTLED  %s %s @ $%s → total %s\n",
			ts, ev.Sequence, shortID(ev.Pledge.ID), ev.Pledge.Amount, ev.Price.StringFixed(2), ev.RunningTotal)
	case domain.EventRefunded:
		_, err = fmt.Fprintf(c.out, "[%s] #%d REFUNDED %s %s (%s)\n",
			ts, ev.Sequence, shortID(ev.Pledge.ID), ev.Pledge.Amount, ev.Reason)
	case domain.EventCompleted:
		_, err = fmt.Fprintf(c.out, "[%s] AUCTION %s COMPLETED (%s) total %s final price $%s\n",
			ts, ev.AuctionID, ev.Reason, ev.RunningTotal, ev.Price.StringFixed(2))
	default:
		_, err = fmt.Fprintf(c.out, "[%s] %s %s\n", ts, ev.Kind, ev.AuctionID)
	}
	return err
}

// PrintStatus imprime el estado de la venta. price cero = oracle sin respuesta.
func (c *Console) PrintStatus(a domain.Auction, queueDepth int, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := "OPEN"
	switch {
	case a.IsCompleted:
		state = "COMPLETED (" + string(a.CompletionReason) + ")"
	case a.Expired(time.Now()):
		state = "EXPIRED"
	}

	fmt.Fprintf(c.out, "\n=== SALE %s [%s] %s ===\n", a.ID, a.Network, state)

	table := tablewriter.NewWriter(c.out)
	table.Header("Metric", "Value")
	table.Append("Ceiling", "$"+a.CeilingUSD.StringFixed(2))
	table.Append("Settled", a.RunningTotal.String())
	table.Append("Refunded", a.TotalRefunded.String())
	table.Append("Queue depth", fmt.Sprintf("%d", queueDepth))
	table.Append("Pledge bounds", fmt.Sprintf("%s – %s", a.MinPledge, boundLabel(a.MaxPledge)))
	if price.Sign() > 0 {
		mcap := a.MarketCapUSD(price)
		table.Append("BTC price", "$"+price.StringFixed(2))
		table.Append("Market cap", "$"+mcap.StringFixed(2))
		table.Append("Progress", progress(mcap, a.CeilingUSD))
	} else {
		table.Append("BTC price", "unavailable")
	}
	if !a.EndTime.IsZero() {
		table.Append("Ends", a.EndTime.Local().Format("2006-01-02 15:04"))
	}
	if a.FinalPrice.Sign() > 0 {
		table.Append("Final price", "$"+a.FinalPrice.StringFixed(2))
	}
	table.Render()
}

// PrintAllocation imprime el reparto de tokens.
func (c *Console) PrintAllocation(r domain.AllocationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(r.Allocations) == 0 {
		fmt.Fprintf(c.out, "\n  No settled contributions for %s, nothing to allocate.\n\n", r.AuctionID)
		return
	}

	fmt.Fprintf(c.out, "\n=== ALLOCATION %s (%d participants) ===\n", r.AuctionID, len(r.Allocations))

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Participant", "BTC", "USD", "Tokens", "Share")
	supply := decimal.NewFromInt(r.TotalTokens)
	for i, a := range r.Allocations {
		share := decimal.NewFromInt(a.Tokens).Div(supply).Mul(decimal.NewFromInt(100))
		table.Append(
			fmt.Sprintf("%d", i+1),
			a.ParticipantID,
			a.Settled.BTC().StringFixed(8),
			"$"+a.ContributionUSD.StringFixed(2),
			fmt.Sprintf("%d", a.Tokens),
			share.StringFixed(4)+"%",
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  Final BTC price: $%s | Token price: $%s | Distributed: %d / %d\n\n",
		r.FinalPrice.StringFixed(2), r.TokenPriceUSD.StringFixed(8), r.Distributed(), r.TotalTokens)
}

// PrintPledges imprime los pledges en orden de admisión.
func (c *Console) PrintPledges(pledges []domain.Pledge) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(pledges) == 0 {
		fmt.Fprintln(c.out, "\n  No pledges.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Participant", "BTC", "Status", "Price", "Confs", "Refund")
	for _, p := range pledges {
		price := "-"
		if p.SettlePrice.Sign() > 0 {
			price = "$" + p.SettlePrice.StringFixed(2)
		}
		refund := ""
		if p.NeedsRefund {
			refund = p.RefundReason
		}
		table.Append(
			p.ID,
			p.ParticipantID,
			p.Amount.BTC().StringFixed(8),
			string(p.Status),
			price,
			fmt.Sprintf("%d", p.Confirmations),
			refund,
		)
	}
	table.Render()
}

// --- helpers ---

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10]
}

func boundLabel(s domain.Sats) string {
	if s == 0 {
		return "∞"
	}
	return s.String()
}

func progress(mcap, ceiling decimal.Decimal) string {
	if ceiling.Sign() <= 0 {
		return "-"
	}
	return mcap.Div(ceiling).Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
