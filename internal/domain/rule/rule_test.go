package rule

import "testing"

func TestEval_ModalityIn(t *testing.T) {
	e := ModalityIn("CT", "MR")
	if !e.Eval(InstanceProjection{Modality: "CT"}) {
		t.Error("ожидалось совпадение по модальности CT")
	}
	if e.Eval(InstanceProjection{Modality: "US"}) {
		t.Error("US не должна совпадать с правилом CT/MR")
	}
}

func TestEval_AndOrNot(t *testing.T) {
	e := And(ModalityIn("CT"), Not(LabelIn("quarantine")))
	p := InstanceProjection{Modality: "CT", Labels: []string{"routine"}}
	if !e.Eval(p) {
		t.Error("ожидалось совпадение: CT без метки quarantine")
	}

	p.Labels = []string{"quarantine"}
	if e.Eval(p) {
		t.Error("instance с меткой quarantine не должен совпадать")
	}
}

func TestEval_UnknownOpIsFalse(t *testing.T) {
	e := Expr{Op: "future_op_v2"}
	if e.Eval(InstanceProjection{}) {
		t.Error("неизвестный Op должен вычисляться как false, а не паниковать")
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	orig := Or(SOPClassIn("1.2.840.10008.5.1.4.1.1.2"), CalledAEIs("MODALITY1"))
	s, err := Marshal(orig)
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}

	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("ошибка разбора: %v", err)
	}

	p := InstanceProjection{CalledAE: "MODALITY1"}
	if !parsed.Eval(p) {
		t.Error("распарсенное правило должно совпасть по called AE")
	}
}

func TestParse_EmptyIsAlways(t *testing.T) {
	e, err := Parse("")
	if err != nil {
		t.Fatalf("пустая строка не должна давать ошибку: %v", err)
	}
	if !e.Eval(InstanceProjection{}) {
		t.Error("пустое правило должно совпадать с любым instance")
	}
}
