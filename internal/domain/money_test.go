package domain

import "testing"

func TestPercentOfRoundsHalfUp(t *testing.T) {
	cases := []struct {
		amount int64
		pct    float64
		want   int64
	}{
		{100000, 3.0, 3000},   // $1000.00 at 3% -> $30.00
		{100000, 2.9, 2900},   // stripe percentage part
		{100000, 0.1, 100},    // lightning
		{999, 3.0, 30},        // 29.97 -> 30
		{833, 3.0, 25},        // 24.99 -> 25
		{50, 1.0, 1},          // 0.5 -> 1
		{0, 3.0, 0},
	}
	for _, tc := range cases {
		if got := PercentOf(tc.amount, tc.pct); got != tc.want {
			t.Errorf("PercentOf(%d, %v) = %d, want %d", tc.amount, tc.pct, got, tc.want)
		}
	}
}

func TestMoneyAddCurrencyMismatch(t *testing.T) {
	a := Money{Amount: 100, Currency: "USD"}
	b := Money{Amount: 50, Currency: "EUR"}
	if _, err := a.Add(b); err == nil {
		t.Fatal("adding mismatched currencies must fail")
	}
	sum, err := a.Add(Money{Amount: 50, Currency: "usd"})
	if err != nil {
		t.Fatalf("case-insensitive currency match should succeed: %v", err)
	}
	if sum.Amount != 150 {
		t.Errorf("sum = %d, want 150", sum.Amount)
	}
}
