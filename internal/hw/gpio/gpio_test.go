package gpio

import "testing"

func TestMockDriver_ReadReflectsWrite(t *testing.T) {
	drv := &MockDriver{}

	if lvl, _ := drv.ReadPin(18); lvl != Low {
		t.Errorf("unwritten pin = %v, want LOW", lvl)
	}
	if err := drv.WritePin(18, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	lvl, err := drv.ReadPin(18)
	if err != nil {
		t.Fatalf("ReadPin: %v", err)
	}
	if lvl != High {
		t.Errorf("pin 18 = %v, want HIGH", lvl)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := drv.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", drv)
	}
	if err := drv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestLevel_String(t *testing.T) {
	if High.String() != "HIGH" || Low.String() != "LOW" {
		t.Errorf("unexpected level strings %q/%q", High, Low)
	}
}
