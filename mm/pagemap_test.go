package mm

import "testing"

func TestPageMap(t *testing.T) {
	var pm PageMap
	if !pm.None() || pm.Count() != 0 {
		t.Fatalf("zero PageMap = %v", pm)
	}
	pm.Set(0)
	pm.Set(15)
	if !pm.Test(0) || !pm.Test(15) || pm.Test(7) {
		t.Fatalf("PageMap = %v", pm)
	}
	if got := pm.String(); got != "1000000000000001" {
		t.Errorf("String() = %q", got)
	}
	pm.Clear(0)
	if pm.Test(0) || pm.Count() != 1 {
		t.Fatalf("after Clear(0) PageMap = %v", pm)
	}
	pm.SetAll()
	if !pm.All() || pm.Count() != PagesPerBlock {
		t.Fatalf("after SetAll PageMap = %v", pm)
	}
}
