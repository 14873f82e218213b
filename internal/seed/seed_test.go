package seed

import (
	"bytes"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"fleetops-sim/internal/telemetry"
)

func testRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{Epoch: int64(i), Reading: Reading{EngineTemp: float64(200 + i)}}
	}
	return rows
}

func TestFailurePatternPlateaus(t *testing.T) {
	p := &Pattern{Name: "f", Rows: testRows(4)}
	last, err := p.At(3)
	if err != nil {
		t.Fatalf("At(3): %v", err)
	}
	for _, e := range []int64{4, 10, 1_000_000} {
		got, err := p.At(e)
		if err != nil {
			t.Fatalf("At(%d): %v", e, err)
		}
		if got != last {
			t.Fatalf("At(%d) = %+v, want plateau %+v", e, got, last)
		}
	}
}

func TestNormalPatternWraps(t *testing.T) {
	p := &Pattern{Name: "n", Rows: testRows(4), Loop: true}
	for e := int64(0); e < 12; e++ {
		got, err := p.At(e)
		if err != nil {
			t.Fatalf("At(%d): %v", e, err)
		}
		want, _ := p.At(e % 4)
		if got != want {
			t.Fatalf("At(%d) = %+v, want %+v", e, got, want)
		}
	}
}

func TestPatternOutOfRange(t *testing.T) {
	empty := &Pattern{Name: "empty"}
	if _, err := empty.At(0); !errors.Is(err, ErrOutOfPatternRange) {
		t.Fatalf("empty pattern err = %v", err)
	}
	p := &Pattern{Name: "p", Rows: testRows(2)}
	if _, err := p.At(-1); !errors.Is(err, ErrOutOfPatternRange) {
		t.Fatalf("negative epoch err = %v", err)
	}
	gappy := &Pattern{Name: "gap", Rows: []Row{{Epoch: 0}, {Epoch: 2}}}
	if err := gappy.Validate(); !errors.Is(err, ErrOutOfPatternRange) {
		t.Fatalf("Validate gap err = %v", err)
	}
	if _, err := gappy.At(1); !errors.Is(err, ErrOutOfPatternRange) {
		t.Fatalf("At on gap err = %v", err)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	opts := Options{Entities: []string{"TRUCK_001", "TRUCK_002"}, Seed: 7, NormalLength: 50, FailureLength: 20}
	a, err := Generate(opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, _ := Generate(opts)
	for _, id := range opts.Entities {
		pa, _ := a.Normal(id)
		pb, _ := b.Normal(id)
		if !reflect.DeepEqual(pa.Rows, pb.Rows) {
			t.Fatalf("normal pattern for %s differs between runs", id)
		}
	}
	p1, _ := a.Normal("TRUCK_001")
	p2, _ := a.Normal("TRUCK_002")
	if reflect.DeepEqual(p1.Rows, p2.Rows) {
		t.Fatalf("expected distinct walks per entity")
	}
	for _, ft := range telemetry.FailureTypes {
		if got := a.FailureLength(ft); got != 20 {
			t.Fatalf("%s length = %d, want 20", ft, got)
		}
	}
}

func TestFailureCurvesProgress(t *testing.T) {
	lib, err := Generate(Options{Entities: []string{"TRUCK_001"}, FailureLength: 100})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	eng, _ := lib.Failure(telemetry.FailureEngine)
	first, _ := eng.At(0)
	last, _ := eng.At(99)
	if last.EngineTemp < 240 || first.EngineTemp > 205 {
		t.Fatalf("engine curve %v -> %v", first.EngineTemp, last.EngineTemp)
	}
	tr, _ := lib.Failure(telemetry.FailureTransmission)
	if r, _ := tr.At(99); r.TransOilPressure > 25 {
		t.Fatalf("transmission plateau pressure = %v", r.TransOilPressure)
	}
	el, _ := lib.Failure(telemetry.FailureElectrical)
	if r, _ := el.At(0); r.BatteryVoltage < 12.4 {
		t.Fatalf("electrical start voltage = %v", r.BatteryVoltage)
	}
}

func TestSaveLoad(t *testing.T) {
	lib, err := Generate(Options{Entities: []string{"TRUCK_001"}, NormalLength: 10, FailureLength: 5})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	if err := lib.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, _ := lib.Normal("TRUCK_001")
	have, _ := got.Normal("TRUCK_001")
	if !reflect.DeepEqual(want.Rows, have.Rows) {
		t.Fatalf("normal rows differ after reload")
	}
	if !have.Loop {
		t.Fatalf("loaded normal pattern should loop")
	}
}

func TestDecodeRequiresAllFailures(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("normal:\n  TRUCK_001:\n    - {epoch: 0, engine_temp: 1, trans_oil_pressure: 2, battery_voltage: 3}\nfailures:\n  ENGINE:\n    - {epoch: 0, engine_temp: 1, trans_oil_pressure: 2, battery_voltage: 3}\n")
	_, err := Decode(&buf)
	if !errors.Is(err, ErrUnknownFailure) {
		t.Fatalf("err = %v, want ErrUnknownFailure", err)
	}
	if _, err := Decode(strings.NewReader("normal: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}
