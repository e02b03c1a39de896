// Package catalog is the static product list of the stock service.
package catalog

import (
	"strconv"

	"github.com/not-empty/reserveq-go/src/reservation"
)

type Product struct {
	ItemID                   int    `json:"itemId"`
	ItemName                 string `json:"itemName"`
	Price                    int    `json:"price"`
	InitialAvailableQuantity int    `json:"initialAvailableQuantity"`
}

// ItemPayload is the body of a stock reservation job.
type ItemPayload struct {
	ItemID int `json:"itemId"`
}

var products = []Product{
	{ItemID: 1, ItemName: "Suitcase 250", Price: 50, InitialAvailableQuantity: 4},
	{ItemID: 2, ItemName: "Suitcase 450", Price: 100, InitialAvailableQuantity: 10},
	{ItemID: 3, ItemName: "Suitcase 650", Price: 350, InitialAvailableQuantity: 2},
	{ItemID: 4, ItemName: "Suitcase 1050", Price: 550, InitialAvailableQuantity: 5},
}

// Products returns a copy of the catalog in item id order.
func Products() []Product {
	return append([]Product(nil), products...)
}

func Lookup(itemID int) (Product, bool) {
	for _, p := range products {
		if p.ItemID == itemID {
			return p, true
		}
	}
	return Product{}, false
}

// ResourceName is both the counter key and the resource name of an item,
// so its jobs run as reserve_item.<id>.
func ResourceName(itemID int) string {
	return "item." + strconv.Itoa(itemID)
}

// Resource is the stock pool of p, counted as units reserved.
func (p Product) Resource() reservation.Resource {
	name := ResourceName(p.ItemID)
	return reservation.Resource{
		Name:     name,
		Key:      name,
		Capacity: p.InitialAvailableQuantity,
		Counting: reservation.CountReserved,
		Payload:  ItemPayload{ItemID: p.ItemID},
	}
}

// Resources returns the stock pool of every product.
func Resources() []reservation.Resource {
	out := make([]reservation.Resource, 0, len(products))
	for _, p := range products {
		out = append(out, p.Resource())
	}
	return out
}
