package repository

import (
	"testing"
	"time"
)

func TestRecomputeTotal(t *testing.T) {
	order := &Order{
		Products: []OrderProduct{
			{ID: 1, Price: 5, Quantity: 2},
			{ID: 2, Price: 3, Quantity: 0},
			{ID: 3, Price: 10, Quantity: 1.5},
		},
	}
	order.RecomputeTotal()

	if len(order.Products) != 2 {
		t.Fatalf("got %d products after recompute, want 2", len(order.Products))
	}
	if order.FindProduct(2) != nil {
		t.Fatal("zero-quantity product was not dropped")
	}
	if order.Total != 25 {
		t.Fatalf("total = %v, want 25", order.Total)
	}
}

func TestMergeKey(t *testing.T) {
	tests := []struct {
		name string
		a, b OrderProduct
		same bool
	}{
		{
			name: "same sku no options",
			a:    OrderProduct{SKU: "X"},
			b:    OrderProduct{SKU: "X"},
			same: true,
		},
		{
			name: "different sku",
			a:    OrderProduct{SKU: "X"},
			b:    OrderProduct{SKU: "Y"},
			same: false,
		},
		{
			name: "single option ignored",
			a:    OrderProduct{SKU: "X", SelectedOptions: []ProductOption{{Name: "Unit", Value: "pack"}}},
			b:    OrderProduct{SKU: "X", SelectedOptions: []ProductOption{{Name: "Unit", Value: "box"}}},
			same: true,
		},
		{
			name: "option order does not matter",
			a: OrderProduct{SKU: "X", SelectedOptions: []ProductOption{
				{Name: "Color", Value: "red"}, {Name: "Size", Value: "A4"},
			}},
			b: OrderProduct{SKU: "X", SelectedOptions: []ProductOption{
				{Name: "Size", Value: "A4"}, {Name: "Color", Value: "red"},
			}},
			same: true,
		},
		{
			name: "different option values stay distinct",
			a: OrderProduct{SKU: "X", SelectedOptions: []ProductOption{
				{Name: "Color", Value: "red"}, {Name: "Size", Value: "A4"},
			}},
			b: OrderProduct{SKU: "X", SelectedOptions: []ProductOption{
				{Name: "Color", Value: "blue"}, {Name: "Size", Value: "A4"},
			}},
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.MergeKey() == tt.b.MergeKey(); got != tt.same {
				t.Fatalf("MergeKey equality = %v, want %v (%q vs %q)", got, tt.same, tt.a.MergeKey(), tt.b.MergeKey())
			}
		})
	}
}

func TestMergedLineID(t *testing.T) {
	a := MergedLineID("SKU-1")
	b := MergedLineID("SKU-1")
	c := MergedLineID("SKU-2")

	if a != b {
		t.Fatal("same key must yield the same id")
	}
	if a == c {
		t.Fatal("different keys must yield different ids")
	}
	if a <= 0 {
		t.Fatalf("id = %d, must be positive", a)
	}
}

func TestWindowStart(t *testing.T) {
	// Wednesday 2024-05-15 13:45 UTC.
	now := time.Date(2024, 5, 15, 13, 45, 0, 0, time.UTC)

	tests := []struct {
		interval LimitInterval
		want     time.Time
	}{
		{IntervalDaily, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)},
		{IntervalWeekly, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)},
		{IntervalMonthly, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{IntervalQuarterly, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{IntervalAnnually, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{IntervalAllTime, time.Unix(0, 0)},
	}

	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			if got := tt.interval.WindowStart(now); got != tt.want.Unix() {
				t.Fatalf("WindowStart = %d, want %d (%s)", got, tt.want.Unix(), tt.want)
			}
		})
	}
}

func TestWindowStartWeeklyOnSunday(t *testing.T) {
	// Sunday belongs to the week that started the previous Monday.
	now := time.Date(2024, 5, 19, 23, 59, 0, 0, time.UTC)
	want := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC).Unix()
	if got := IntervalWeekly.WindowStart(now); got != want {
		t.Fatalf("WindowStart = %d, want %d", got, want)
	}
}

func TestCategoryIsDescendantOf(t *testing.T) {
	office := Category{Name: "Office"}
	paper := Category{Name: "Office/Paper"}
	officeElectronics := Category{Name: "OfficeElectronics"}

	if !paper.IsDescendantOf(office) {
		t.Fatal("Office/Paper must be a descendant of Office")
	}
	if !office.IsDescendantOf(office) {
		t.Fatal("a category is its own descendant")
	}
	if officeElectronics.IsDescendantOf(office) {
		t.Fatal("OfficeElectronics must not match the Office prefix")
	}
	if office.IsDescendantOf(paper) {
		t.Fatal("descendant check must not be symmetric")
	}
}

func TestCatalogProductLine(t *testing.T) {
	catalog := &CatalogProduct{
		ID: 7, SKU: "SKU-7", Name: "Paper", Price: 5,
		Measurement: "pack", CategoryID: 500, VendorName: "Acme",
		Options: map[string][]string{"Color": {"white", "recycled"}},
	}

	line := catalog.Line(3, "urgent", map[string]string{
		"Color": "recycled",
		"Bogus": "value",
	})

	if line.Quantity != 3 || line.SKU != "SKU-7" || line.Vendor != "Acme" {
		t.Fatalf("unexpected line snapshot: %+v", line)
	}
	byName := map[string]string{}
	for _, opt := range line.SelectedOptions {
		byName[opt.Name] = opt.Value
	}
	if byName["Unit"] != "pack" {
		t.Fatal("measurement was not recorded as the Unit option")
	}
	if byName["Comment"] != "urgent" {
		t.Fatal("comment was not recorded as an option")
	}
	if byName["Color"] != "recycled" {
		t.Fatal("offered option was not recorded")
	}
	if _, ok := byName["Bogus"]; ok {
		t.Fatal("options the catalog does not offer must be dropped")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for status, want := range map[OrderStatus]bool{
		StatusNew:            false,
		StatusNotApproved:    false,
		StatusPartlyApproved: false,
		StatusApproved:       true,
		StatusCancelled:      true,
	} {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
