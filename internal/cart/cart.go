// Package cart реализует операции над корзиной покупателя.
package cart

import (
	"encoding/json"

	"github.com/Klinti13/klint-market-gateway/internal/model"
)

// Add добавляет товар в корзину. Если позиция с таким товаром уже есть,
// её количество увеличивается на единицу, иначе добавляется новая позиция
// с количеством 1. Две позиции с одним товаром в корзине невозможны.
func Add(c *model.Cart, p model.Product) {
	for i := range c.Lines {
		if c.Lines[i].Product.ID == p.ID {
			c.Lines[i].Qty++
			return
		}
	}
	c.Lines = append(c.Lines, model.CartLine{Product: p, Qty: 1})
}

// SetQuantity заменяет количество в позиции с указанным товаром.
// Значения меньше 1 молча игнорируются, отсутствующая позиция — тоже.
func SetQuantity(c *model.Cart, id model.ProductID, qty int) {
	if qty < 1 {
		return
	}
	for i := range c.Lines {
		if c.Lines[i].Product.ID == id {
			c.Lines[i].Qty = qty
			return
		}
	}
}

// Remove удаляет позицию с указанным товаром, если она есть.
func Remove(c *model.Cart, id model.ProductID) {
	for i := range c.Lines {
		if c.Lines[i].Product.ID == id {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			return
		}
	}
}

// Clear опустошает корзину и сбрасывает активную скидку.
// Вызывается только после подтверждённого оформления заказа.
func Clear(c *model.Cart) {
	c.Lines = nil
	c.Promotion = model.Promotion{Kind: model.PromotionNone}
}

// TotalCount возвращает суммарное количество единиц товара в корзине.
func TotalCount(c model.Cart) int {
	total := 0
	for _, l := range c.Lines {
		total += l.Qty
	}
	return total
}

// Encode сериализует корзину для долговременного хранения.
func Encode(c model.Cart) ([]byte, error) {
	return json.Marshal(c)
}

// Decode восстанавливает корзину из сохранённого блоба. Повреждённые или
// нечитаемые данные считаются отсутствующими: возвращается пустая корзина.
func Decode(data []byte) model.Cart {
	empty := model.Cart{Promotion: model.Promotion{Kind: model.PromotionNone}}

	if len(data) == 0 {
		return empty
	}

	var c model.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return empty
	}

	// Позиции, нарушающие инварианты корзины, отбрасываются при восстановлении.
	lines := c.Lines[:0]
	seen := make(map[model.ProductID]bool, len(c.Lines))
	for _, l := range c.Lines {
		if l.Qty < 1 || l.Product.ID == "" || seen[l.Product.ID] {
			continue
		}
		seen[l.Product.ID] = true
		lines = append(lines, l)
	}
	c.Lines = lines

	if c.Promotion.Kind == "" {
		c.Promotion.Kind = model.PromotionNone
	}

	return c
}
