package model

import "sort"

// AggregateBasket группирует записи корзины по названию блюда.
// Количество равно числу записей с этим названием, цена равна сумме их UnitPrice,
// а не UnitPrice × Quantity: так корзина считалась всегда, и менять это значит менять цены.
func AggregateBasket(entries []BasketEntry) (map[string]BasketLine, error) {
	res := make(map[string]BasketLine, len(entries))
	for _, e := range entries {
		line := res[e.ItemName]
		sum, err := line.TotalPrice.Add(e.UnitPrice)
		if err != nil {
			return nil, err
		}
		line.ItemName = e.ItemName
		line.Quantity++
		line.TotalPrice = sum
		res[e.ItemName] = line
	}
	return res, nil
}

// NewBasketView строит представление корзины, отсортированное по названию блюда.
func NewBasketView(aggregated map[string]BasketLine) (BasketView, error) {
	view := BasketView{Lines: make([]BasketLine, 0, len(aggregated))}
	for _, line := range aggregated {
		total, err := view.Total.Add(line.TotalPrice)
		if err != nil {
			return BasketView{}, err
		}
		view.Lines = append(view.Lines, line)
		view.Total = total
	}
	sort.Slice(view.Lines, func(i, j int) bool {
		return view.Lines[i].ItemName < view.Lines[j].ItemName
	})
	return view, nil
}

// OrderLinesFromView переносит агрегированную корзину в строки заказа.
func OrderLinesFromView(view BasketView) []OrderLine {
	lines := make([]OrderLine, 0, len(view.Lines))
	for _, l := range view.Lines {
		lines = append(lines, OrderLine{
			ItemName:  l.ItemName,
			Quantity:  l.Quantity,
			UnitPrice: l.TotalPrice,
		})
	}
	return lines
}

// LinesTotal возвращает сумму цен строк заказа.
func LinesTotal(lines []OrderLine) (Money, error) {
	var total Money
	for _, l := range lines {
		sum, err := total.Add(l.UnitPrice)
		if err != nil {
			return 0, err
		}
		total = sum
	}
	return total, nil
}
