package threshold

import (
	"reflect"
	"testing"
)

func TestMask(t *testing.T) {
	img := [][]float64{
		{10, 200},
		{128, 127},
	}

	tests := []struct {
		name   string
		level  float64
		invert bool
		want   [][]int
	}{
		{"plain", 128, false, [][]int{{0, 1}, {1, 0}}},
		{"inverted", 128, true, [][]int{{1, 0}, {0, 1}}},
		{"all", 0, false, [][]int{{1, 1}, {1, 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Mask(img, tt.level, tt.invert)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Mask = %v, want %v", got, tt.want)
			}
		})
	}
}
