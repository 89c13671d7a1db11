package broker

import "testing"

func TestKeyGrammar(t *testing.T) {
	t.Parallel()

	cases := []struct {
		got, want string
	}{
		{EventStream("42"), "evt-st-42"},
		{EventStreamGroup("42"), "{evt-st-42}"},
		{ProcLogStream("42"), "evt-proc-log-42"},
		{PayloadKey("42"), "evt-42-payload"},
		{InCarDataKey("42", "12"), "in-car-data-42-12"},
		{DriverByCarKey("42", "12"), "drevt42-car12"},
		{DriverByTransponderKey("52474"), "drtrans52474"},
		{VideoKey("42", "12", "52474"), "videoevt42-car12-trans52474"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("key mismatch: got %q want %q", tc.got, tc.want)
		}
	}
}
