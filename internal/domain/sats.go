package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SatsPerBTC es el número de satoshis en un bitcoin.
const SatsPerBTC = 100_000_000

// btcPlaces es la precisión máxima de un importe en BTC.
const btcPlaces = 8

var satsPerBTC = decimal.NewFromInt(SatsPerBTC)

// Sats es un importe en satoshis. Toda la aritmética de BTC del motor se hace
// con enteros; la conversión a BTC decimal es solo para USD y para mostrar.
type Sats int64

// BTC devuelve el importe en BTC con 8 decimales exactos.
func (s Sats) BTC() decimal.Decimal {
	return decimal.New(int64(s), -btcPlaces)
}

// USD convierte el importe a dólares con el precio dado (USD por BTC).
// El resultado es exacto: sats × price / 1e8.
func (s Sats) USD(price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(s)).Mul(price).Div(satsPerBTC)
}

// String formatea como BTC, p.ej. "1.25000000 BTC".
func (s Sats) String() string {
	return s.BTC().StringFixed(btcPlaces) + " BTC"
}

// SatsFromBTC convierte un importe en BTC a satoshis.
// Falla si el importe tiene más de 8 decimales o es negativo.
func SatsFromBTC(btc decimal.Decimal) (Sats, error) {
	if btc.IsNegative() {
		return 0, fmt.Errorf("domain.SatsFromBTC: negative amount %s", btc)
	}
	sats := btc.Mul(satsPerBTC)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("domain.SatsFromBTC: %s has sub-satoshi precision", btc)
	}
	return Sats(sats.IntPart()), nil
}

// MustSatsFromBTC es como SatsFromBTC pero recibe un literal y hace panic si es inválido.
// Pensado para tests y constantes.
func MustSatsFromBTC(btc string) Sats {
	d, err := decimal.NewFromString(btc)
	if err != nil {
		panic(err)
	}
	s, err := SatsFromBTC(d)
	if err != nil {
		panic(err)
	}
	return s
}
