package upload

import "github.com/hyperjump/sensor/internal/models"

// Display categories for ingestion stages.
const (
	CategoryInfo    = "info"
	CategoryWarning = "warning"
	CategoryPrimary = "primary"
	CategorySuccess = "success"
	CategoryDanger  = "danger"
)

var stageCategories = map[string]string{
	models.StageReadingFile:       CategoryInfo,
	models.StageSavingComments:    CategoryInfo,
	models.StageWritingMetadata:   CategoryInfo,
	models.StageComparingCodebook: CategoryWarning,
	models.StageSendingOpenAI:     CategoryWarning,
	models.StageGeneratingTags:    CategoryWarning,
	models.StagePlacingTags:       CategoryWarning,
	models.StageGeneratingSummary: CategoryPrimary,
	models.StageFinalizing:        CategoryPrimary,
	models.StageComplete:          CategorySuccess,
	models.StageError:             CategoryDanger,
}

// StageCategory maps an ingestion stage to its display category. Unknown stages are info.
func StageCategory(stage string) string {
	if c, ok := stageCategories[stage]; ok {
		return c
	}
	return CategoryInfo
}
