package mem

import "testing"

func TestSizeOrder(t *testing.T) {
	specs := []struct {
		size     Size
		expOrder PageOrder
	}{
		{0, 0},
		{1, 0},
		{PageSize, 0},
		{PageSize + 1, 1},
		{PageSize * 2, 1},
		{PageSize * 4, 2},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Order(); got != spec.expOrder {
			t.Errorf("[spec %d] expected order %d; got %d", specIndex, spec.expOrder, got)
		}
	}
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint32
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{PageSize * 4, 4},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
	}
}

func TestPageOrderPages(t *testing.T) {
	for order := PageOrder(0); order < 10; order++ {
		if exp, got := uint64(1)<<uint(order), order.Pages(); exp != got {
			t.Errorf("order %d: expected %d pages; got %d", order, exp, got)
		}
	}
}
