package domain

import (
	"path"
	"strings"
)

// SourceFormat is the normalized file extension of an uploaded raw file.
type SourceFormat string

const (
	FormatGLB     SourceFormat = "glb"
	FormatGLTF    SourceFormat = "gltf"
	FormatOBJ     SourceFormat = "obj"
	FormatFBX     SourceFormat = "fbx"
	FormatPLY     SourceFormat = "ply"
	FormatSTL     SourceFormat = "stl"
	FormatLAS     SourceFormat = "las"
	FormatLAZ     SourceFormat = "laz"
	FormatGeoJSON SourceFormat = "geojson"
	FormatKML     SourceFormat = "kml"
	FormatKMZ     SourceFormat = "kmz"
	FormatJPG     SourceFormat = "jpg"
	FormatJPEG    SourceFormat = "jpeg"
	FormatPNG     SourceFormat = "png"
	FormatGIF     SourceFormat = "gif"
	FormatWEBP    SourceFormat = "webp"
	FormatTIF     SourceFormat = "tif"
	FormatTIFF    SourceFormat = "tiff"
	FormatUnknown SourceFormat = ""
)

// ParseSourceFormat derives the source format from a file name by its
// extension, lowercased.
func ParseSourceFormat(filename string) SourceFormat {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	return SourceFormat(ext)
}

// directlyViewable is the fixed allowlist of formats the viewer can load
// without conversion.
var directlyViewable = map[SourceFormat]bool{
	FormatGLB:     true,
	FormatGeoJSON: true,
	FormatKML:     true,
	FormatKMZ:     true,
	FormatJPG:     true,
	FormatJPEG:    true,
	FormatPNG:     true,
	FormatGIF:     true,
	FormatWEBP:    true,
	FormatTIF:     true,
	FormatTIFF:    true,
}

// DirectlyViewable reports whether files of this format can be served to the
// viewer as-is, with no conversion job.
func (f SourceFormat) DirectlyViewable() bool {
	return directlyViewable[f]
}

// IsImage reports whether the format is a raster image.
func (f SourceFormat) IsImage() bool {
	switch f {
	case FormatJPG, FormatJPEG, FormatPNG, FormatGIF, FormatWEBP, FormatTIF, FormatTIFF:
		return true
	}
	return false
}

// OutputType maps a directly viewable source format to the asset type
// recorded on completion. Formats that require conversion report
// AssetTypeOther here; their real output type is set by the worker on job
// completion.
func (f SourceFormat) OutputType() AssetType {
	switch f {
	case FormatGLB:
		return AssetTypeGLB
	case FormatGeoJSON:
		return AssetTypeGeoJSON
	case FormatKML, FormatKMZ:
		return AssetTypeKML
	}
	if f.IsImage() {
		return AssetTypeImagery
	}
	return AssetTypeOther
}
