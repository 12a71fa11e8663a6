package models

import (
	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
)

// ToOpenAI converts a catalog entry to its OpenAI API representation.
func ToOpenAI(entry catalog.Entry, downloaded bool) *OpenAIModel {
	labels := entry.Labels
	if labels == nil {
		labels = []string{}
	}
	return &OpenAIModel{
		ID:         entry.Name,
		Object:     "model",
		Created:    modelCreated,
		OwnedBy:    "lemonade",
		Checkpoint: entry.Checkpoint,
		Recipe:     entry.Recipe,
		Downloaded: downloaded,
		Suggested:  entry.Suggested,
		Labels:     labels,
		Size:       entry.SizeGB,
		MMProj:     entry.MMProj,
	}
}

// ToOpenAIList wraps converted entries in the OpenAI list envelope. This
// function never returns a nil Data slice (though it may return an empty
// one).
func ToOpenAIList(models []*OpenAIModel) *OpenAIModelList {
	if models == nil {
		models = []*OpenAIModel{}
	}
	return &OpenAIModelList{
		Object: "list",
		Data:   models,
	}
}
