package domain

import "testing"

// TestClassify verifies the category/format to job type mapping.
func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		category AssetCategory
		format   SourceFormat
		want     JobType
	}{
		{
			name:     "single model obj",
			category: CategorySingleModel,
			format:   FormatOBJ,
			want:     JobTypeNormalize,
		},
		{
			name:     "single model fbx",
			category: CategorySingleModel,
			format:   FormatFBX,
			want:     JobTypeNormalize,
		},
		{
			name:     "single model las still normalizes",
			category: CategorySingleModel,
			format:   FormatLAS,
			want:     JobTypeNormalize,
		},
		{
			name:     "large area las",
			category: CategoryLargeArea,
			format:   FormatLAS,
			want:     JobTypePointCloud,
		},
		{
			name:     "large area laz",
			category: CategoryLargeArea,
			format:   FormatLAZ,
			want:     JobTypePointCloud,
		},
		{
			name:     "large area obj",
			category: CategoryLargeArea,
			format:   FormatOBJ,
			want:     JobTypeTileset,
		},
		{
			name:     "large area ply",
			category: CategoryLargeArea,
			format:   FormatPLY,
			want:     JobTypeTileset,
		},
		{
			name:     "large area unknown extension",
			category: CategoryLargeArea,
			format:   SourceFormat("xyz"),
			want:     JobTypeTileset,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.category, tc.format)
			if got != tc.want {
				t.Errorf("Classify(%s, %s) = %s, want %s", tc.category, tc.format, got, tc.want)
			}
		})
	}
}

// TestClassifyTotal verifies that every declared (category, format) pair maps
// to exactly one declared job type and that repeated calls agree.
func TestClassifyTotal(t *testing.T) {
	categories := []AssetCategory{CategorySingleModel, CategoryLargeArea}
	formats := []SourceFormat{
		FormatGLB, FormatGLTF, FormatOBJ, FormatFBX, FormatPLY, FormatSTL,
		FormatLAS, FormatLAZ, FormatGeoJSON, FormatKML, FormatKMZ,
		FormatJPG, FormatJPEG, FormatPNG, FormatGIF, FormatWEBP,
		FormatTIF, FormatTIFF, FormatUnknown,
	}

	for _, cat := range categories {
		for _, format := range formats {
			first := Classify(cat, format)
			second := Classify(cat, format)
			if first != second {
				t.Errorf("Classify(%s, %s) not deterministic: %s then %s", cat, format, first, second)
			}
			if !first.Valid() {
				t.Errorf("Classify(%s, %s) = %q, not a declared job type", cat, format, first)
			}
		}
	}
}
