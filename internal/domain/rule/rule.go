// Пакет rule реализует предикат правила маршрутизации для Destination
// (см. spec §9 "Dynamic plugin-style rule evaluation for forwarding").
// Вместо встроенного кода правило выражается как небольшое дерево Expr,
// вычисляемое над InstanceProjection — проекцией метаданных приёмного
// Instance, не более того, что перечислено в spec: модальность, SOP
// class UID, called AE исходной ассоциации, операторские метки.
package rule

import "encoding/json"

// InstanceProjection — метаданные, доступные предикату правила.
type InstanceProjection struct {
	Modality    string
	SOPClassUID string
	CalledAE    string
	Labels      []string
}

// Expr — узел дерева правила. Op задаёт вид узла; листовые предикаты
// используют Values, комбинаторы — Children; разбор и
// сериализация идут через JSON (хранится в Destination.ForwardingRule).
type Expr struct {
	Op       string `json:"op"` // "always" | "modality_in" | "sop_class_in" | "called_ae_is" | "label_in" | "and" | "or" | "not"
	Values   []string `json:"values,omitempty"`
	Children []Expr   `json:"children,omitempty"`
}

// Always возвращает выражение, истинное для любого instance.
func Always() Expr { return Expr{Op: "always"} }

// ModalityIn строит предикат "модальность входит в список".
func ModalityIn(values ...string) Expr { return Expr{Op: "modality_in", Values: values} }

// SOPClassIn строит предикат "SOP class UID входит в список".
func SOPClassIn(values ...string) Expr { return Expr{Op: "sop_class_in", Values: values} }

// CalledAEIs строит предикат "called AE ассоциации равен одному из списка".
func CalledAEIs(values ...string) Expr { return Expr{Op: "called_ae_is", Values: values} }

// LabelIn строит предикат "хотя бы одна операторская метка входит в список".
func LabelIn(values ...string) Expr { return Expr{Op: "label_in", Values: values} }

// And, Or, Not — булевы комбинаторы.
func And(children ...Expr) Expr { return Expr{Op: "and", Children: children} }
func Or(children ...Expr) Expr  { return Expr{Op: "or", Children: children} }
func Not(child Expr) Expr       { return Expr{Op: "not", Children: []Expr{child}} }

// Eval вычисляет выражение над проекцией. Неизвестный Op считается
// false, а не ошибкой — правило, сохранённое более новой версией core,
// не должно валить более старую на чтении.
func (e Expr) Eval(p InstanceProjection) bool {
	switch e.Op {
	case "always":
		return true
	case "modality_in":
		return contains(e.Values, p.Modality)
	case "sop_class_in":
		return contains(e.Values, p.SOPClassUID)
	case "called_ae_is":
		return contains(e.Values, p.CalledAE)
	case "label_in":
		for _, l := range p.Labels {
			if contains(e.Values, l) {
				return true
			}
		}
		return false
	case "and":
		for _, c := range e.Children {
			if !c.Eval(p) {
				return false
			}
		}
		return true
	case "or":
		for _, c := range e.Children {
			if c.Eval(p) {
				return true
			}
		}
		return false
	case "not":
		if len(e.Children) != 1 {
			return false
		}
		return !e.Children[0].Eval(p)
	default:
		return false
	}
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Marshal сериализует выражение для хранения в Destination.ForwardingRule.
func Marshal(e Expr) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Parse разбирает сохранённое выражение. Пустая строка трактуется как
// Always() — отсутствие правила пропускает каждый instance, что
// соответствует "enabled destination" без дополнительного фильтра.
func Parse(s string) (Expr, error) {
	if s == "" {
		return Always(), nil
	}
	var e Expr
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Expr{}, err
	}
	return e, nil
}
