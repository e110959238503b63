package storage

import (
	"testing"

	"github.com/seantiz/crucible/internal/model"
)

func TestShape(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    []int
		wantErr bool
	}{
		{"scalar", 3.5, nil, false},
		{"vector", []float64{1, 2, 3}, []int{3}, false},
		{"typed matrix", [][]int{{1, 2}, {3, 4}, {5, 6}}, []int{3, 2}, false},
		{"decoded matrix", []any{[]any{1.0, 2.0}, []any{3.0, 4.0}}, []int{2, 2}, false},
		{"ragged", [][]float64{{1, 2}, {3}}, nil, true},
		{"strings", []string{"a"}, nil, true},
		{"empty", []float64{}, []int{0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Shape(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Shape(%v) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Shape: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Shape = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Shape = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	image := [][]float64{{0, 1}, {1, 0}}
	tests := []struct {
		name    string
		schema  string
		rec     Record
		wantErr bool
	}{
		{"image ok", model.SchemaImage, Record{"image": image}, false},
		{"image with mask", model.SchemaImage, Record{"image": image, "mask": image}, false},
		{"image missing", model.SchemaImage, Record{"mask": image}, true},
		{"image wrong rank", model.SchemaImage, Record{"image": []float64{1, 2}}, true},
		{"image unknown field", model.SchemaImage, Record{"image": image, "label": "x"}, true},
		{"generic anything", model.SchemaGeneric, Record{"data": "hello"}, false},
		{"generic nil data", model.SchemaGeneric, Record{"data": nil}, true},
		{"volume ok", model.SchemaVolume, Record{"volume": [][][]float64{{{1}}}}, false},
		{"mesh missing faces", model.SchemaMesh, Record{"vertices": image}, true},
		{"embedding ok", model.SchemaEmbedding, Record{"features": []float64{0.1}, "input_size": []int{2, 2}}, false},
		{"nil record", model.SchemaGeneric, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := LookupSchema(tt.schema)
			if err != nil {
				t.Fatalf("LookupSchema: %v", err)
			}
			err = s.Validate(tt.rec)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLookupSchemaUnknown(t *testing.T) {
	if _, err := LookupSchema("audio"); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestEveryKnownSchemaRegistered(t *testing.T) {
	for _, name := range model.KnownSchemas {
		if _, err := LookupSchema(name); err != nil {
			t.Errorf("schema %q not registered: %v", name, err)
		}
	}
}

func TestMatrix(t *testing.T) {
	m, err := Matrix([]any{[]any{1.0, 2.0}, []any{3.0, 4.0}})
	if err != nil {
		t.Fatalf("Matrix: %v", err)
	}
	if m[1][0] != 3 {
		t.Errorf("m[1][0] = %v, want 3", m[1][0])
	}
	if _, err := Matrix([]float64{1}); err == nil {
		t.Error("expected error for 1D input")
	}
}
