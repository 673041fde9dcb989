package levels

import (
	"reflect"
	"testing"
)

func TestMetaAccessors(t *testing.T) {
	var nilMeta Meta
	if nilMeta.Heat() != 0 || nilMeta.Has("heat") {
		t.Error("nil meta should read as empty")
	}

	m := Meta{"heat": 0.7, "poc": 101.5, "count": 3, "bad": "x", "gone": nil}
	if m.Heat() != 0.7 {
		t.Errorf("heat = %v", m.Heat())
	}
	if m.Float("count") != 3 {
		t.Errorf("int coercion = %v", m.Float("count"))
	}
	if m.Float("bad") != 0 {
		t.Errorf("string value should read 0, got %v", m.Float("bad"))
	}
	if !m.Has("poc") || m.Has("gone") || m.Has("missing") {
		t.Error("Has mismatch")
	}
}

func TestBaseType(t *testing.T) {
	cases := map[string]string{
		VWAPDaily: "VWAP", VWAPSess: "VWAP",
		POCDaily: "POC", POCSess: "POC",
		VAHDaily: "VA", VALDaily: "VA", VAHSess: "VA", VALSess: "VA",
		DynMonthly: "DYN", DynWeekly: "DYN",
		Round: Round, HOD: HOD, SwingHigh: SwingHigh,
	}
	for in, want := range cases {
		if got := BaseType(in); got != want {
			t.Errorf("BaseType(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestPickerPriorityWins(t *testing.T) {
	p := NewPicker(0.002, nil, nil)
	lvls := []Level{
		{Type: Round, Price: 100.0},
		{Type: VWAPDaily, Price: 100.1},
		{Type: SwingHigh, Price: 100.05},
	}
	// All three bands contain 100.05 (0.2% of ~100 is ~0.2; swing uses half).
	m, matched := p.Pick(100.05, lvls)
	if m.Type != VWAPDaily {
		t.Fatalf("chosen = %s, want %s", m.Type, VWAPDaily)
	}
	want := []string{VWAPDaily, SwingHigh, Round}
	if !reflect.DeepEqual(matched, want) {
		t.Errorf("matched = %v, want %v", matched, want)
	}
}

func TestPickerSwingHalfBand(t *testing.T) {
	p := NewPicker(0.002, nil, nil)
	lvls := []Level{{Type: SwingHigh, Price: 100.0}}

	// 0.2% of 100 is 0.2 but swings get half that band.
	if m, _ := p.Pick(100.15, lvls); m.Found() {
		t.Error("price outside swing half-band should not match")
	}
	if m, _ := p.Pick(100.09, lvls); !m.Found() {
		t.Error("price inside swing half-band should match")
	}
}

func TestPickerDedupKeepsHottest(t *testing.T) {
	p := NewPicker(0.002, nil, nil)
	lvls := []Level{
		{Type: POCDaily, Price: 100.0, Meta: Meta{"heat": 0.2}},
		{Type: POCDaily, Price: 100.05, Meta: Meta{"heat": 0.9}},
	}
	m, _ := p.Pick(100.04, lvls)
	if !m.Found() || m.Price != 100.05 {
		t.Fatalf("match = %+v, want the hotter instance at 100.05", m)
	}
	if m.Meta.Heat() != 0.9 {
		t.Errorf("heat = %v", m.Meta.Heat())
	}
}

func TestPickerNoMatch(t *testing.T) {
	p := NewPicker(0.002, nil, nil)
	lvls := []Level{{Type: Round, Price: 100.0}}
	m, matched := p.Pick(105.0, lvls)
	if m.Found() || matched != nil {
		t.Errorf("expected empty result, got %+v / %v", m, matched)
	}
	if m2, matched2 := p.Pick(100.0, nil); m2.Found() || matched2 != nil {
		t.Error("empty level set should yield empty result")
	}
}

func TestPickerUnknownTypeGoesToExtras(t *testing.T) {
	p := NewPicker(0.002, nil, nil)
	lvls := []Level{
		{Type: Round, Price: 100.0},
		{Type: "CUSTOM_B", Price: 100.02},
		{Type: "CUSTOM_A", Price: 100.01},
	}
	m, matched := p.Pick(100.0, lvls)
	if m.Type != Round {
		t.Fatalf("chosen = %s", m.Type)
	}
	want := []string{Round, "CUSTOM_A", "CUSTOM_B"}
	if !reflect.DeepEqual(matched, want) {
		t.Errorf("matched = %v, want priority first then sorted extras %v", matched, want)
	}
}

func TestPriorityIndexUnknown(t *testing.T) {
	p := NewPicker(0.002, nil, nil)
	if got := p.PriorityIndex(DynMonthly); got != 0 {
		t.Errorf("DYN_M index = %d", got)
	}
	if got := p.PriorityIndex("NOPE"); got != len(p.Priority) {
		t.Errorf("unknown index = %d, want %d", got, len(p.Priority))
	}
}

func TestNearVacuousWithoutLevel(t *testing.T) {
	p := NewPicker(0.002, nil, nil)
	if !p.Near(123.0, "", nil) {
		t.Error("no bound level should be vacuously near")
	}
	price := 100.0
	if !p.Near(100.1, Round, &price) {
		t.Error("price inside band")
	}
	if p.Near(101.0, Round, &price) {
		t.Error("price outside band")
	}
}

func TestCacheIgnoresEmptySets(t *testing.T) {
	c := NewCache()
	k := Key{Symbol: "BTCUSDT", TF: "1m"}
	c.Set(k, []Level{{Type: Round, Price: 100}})
	c.Set(k, nil)
	got := c.Get(k)
	if len(got) != 1 || got[0].Type != Round {
		t.Errorf("cache = %v, empty set should not wipe it", got)
	}
	if c.Get(Key{Symbol: "ETHUSDT", TF: "1m"}) != nil {
		t.Error("unknown key should be nil")
	}
}
