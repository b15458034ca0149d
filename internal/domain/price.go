package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample es una lectura de un feed. Efímera: se consume en el momento
// y nunca se persiste individualmente.
type PriceSample struct {
	Value     decimal.Decimal // USD por BTC
	Source    string
	FetchedAt time.Time
}

// Median devuelve la mediana de las muestras con valor positivo.
// Con un número par de muestras devuelve la media de las dos centrales.
// La mediana resiste a un feed manipulado o erróneo; la media no.
func Median(samples []PriceSample) (decimal.Decimal, bool) {
	values := make([]decimal.Decimal, 0, len(samples))
	for _, s := range samples {
		if s.Value.Sign() > 0 {
			values = append(values, s.Value)
		}
	}
	if len(values) == 0 {
		return decimal.Zero, false
	}

	sort.Slice(values, func(i, j int) bool {
		return values[i].LessThan(values[j])
	})

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid], true
	}
	return values[mid-1].Add(values[mid]).Div(decimal.NewFromInt(2)), true
}
