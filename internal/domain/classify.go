package domain

// Classify maps an asset's category and source format to the job type a
// worker must run. The mapping is total and deterministic: single-model
// uploads are normalized to GLB; large-area point cloud formats (las, laz)
// are tiled as point clouds; every other large-area format is meshed into a
// 3D tileset.
func Classify(category AssetCategory, format SourceFormat) JobType {
	if category == CategorySingleModel {
		return JobTypeNormalize
	}
	switch format {
	case FormatLAS, FormatLAZ:
		return JobTypePointCloud
	}
	return JobTypeTileset
}
