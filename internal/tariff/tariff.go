// Package tariff holds the static purchase catalog: each tariff maps a
// marketing name to a credit grant and a fixed RUB price. The catalog is
// compiled in; there is no admin surface for editing it at runtime.
package tariff

// Tariff describes one purchasable credit bundle.
type Tariff struct {
	Name    string `json:"name"`
	Credits int    `json:"credits"`
	Price   string `json:"price"` // decimal string as the gateway expects, e.g. "199.00"
	Label   string `json:"label"`
}

// Currency is the settlement currency for every tariff in the catalog.
const Currency = "RUB"

// catalog is keyed by tariff name. Order for listings lives in names below.
var catalog = map[string]Tariff{
	"TARIFF_1_CARD": {
		Name:    "TARIFF_1_CARD",
		Credits: 1,
		Price:   "79.00",
		Label:   "1 расшифровка",
	},
	"TARIFF_5_CARD": {
		Name:    "TARIFF_5_CARD",
		Credits: 5,
		Price:   "199.00",
		Label:   "5 расшифровок",
	},
	"TARIFF_10_CARD": {
		Name:    "TARIFF_10_CARD",
		Credits: 10,
		Price:   "359.00",
		Label:   "10 расшифровок",
	},
	"TARIFF_UNLIMITED_CARD": {
		Name:    "TARIFF_UNLIMITED_CARD",
		Credits: 30,
		Price:   "599.00",
		Label:   "30 расшифровок",
	},
}

// names fixes the listing order (cheapest first).
var names = []string{
	"TARIFF_1_CARD",
	"TARIFF_5_CARD",
	"TARIFF_10_CARD",
	"TARIFF_UNLIMITED_CARD",
}

// Lookup returns the tariff for name. The boolean is false when the name is
// not in the catalog; callers must treat that as a client error before any
// side effect.
func Lookup(name string) (Tariff, bool) {
	t, ok := catalog[name]
	return t, ok
}

// All returns the catalog in listing order. The returned slice is a copy.
func All() []Tariff {
	out := make([]Tariff, 0, len(names))
	for _, n := range names {
		out = append(out, catalog[n])
	}
	return out
}
