package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lamim/chapterforge/internal/repair"
	"github.com/lamim/chapterforge/pkg/models"
)

// sceneCount is round(target/wordsPerScene), at least 1 and at most the
// number of beats
func sceneCount(targetWords, wordsPerScene, beats int) int {
	n := 1
	if wordsPerScene > 0 {
		n = int(math.Round(float64(targetWords) / float64(wordsPerScene)))
	}
	if beats > 0 && n > beats {
		n = beats
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Decompose splits an outline into contiguous scene plans. The result
// depends only on its inputs.
func Decompose(outline models.Outline, targetWords, wordsPerScene int) []models.ScenePlan {
	beats := nonEmpty(outline.Beats)
	if len(beats) == 0 && strings.TrimSpace(outline.Summary) != "" {
		beats = []string{strings.TrimSpace(outline.Summary)}
	}
	n := sceneCount(targetWords, wordsPerScene, len(beats))

	groups := make([][]string, n)
	for i := 0; i < n; i++ {
		groups[i] = beats[i*len(beats)/n : (i+1)*len(beats)/n]
	}

	plans := make([]models.ScenePlan, n)
	for i, group := range groups {
		plans[i] = models.ScenePlan{
			Index:            i,
			Purpose:          strings.Join(group, "; "),
			Beats:            append([]string(nil), group...),
			RequiredEntities: []string{},
		}
	}
	assignEntities(plans, outline.RequiredEntities)
	chainStates(plans, outline)
	splitWords(plans, targetWords)
	return plans
}

// assignEntities gives each entity to the first scene whose beats mention
// it; entities no beat mentions go to the first scene
func assignEntities(plans []models.ScenePlan, entities []string) {
	for _, entity := range nonEmpty(entities) {
		name := strings.ToLower(entity)
		target := 0
		for i, p := range plans {
			if mentions(p.Beats, name) {
				target = i
				break
			}
		}
		if !containsFold(plans[target].RequiredEntities, entity) {
			plans[target].RequiredEntities = append(plans[target].RequiredEntities, entity)
		}
	}
}

// chainStates links scenes: each scene opens where the previous one closed.
// The final scene carries the outline's stakes delta.
func chainStates(plans []models.ScenePlan, outline models.Outline) {
	last := len(plans) - 1
	for i := range plans {
		if i == 0 {
			plans[i].EntryState = outline.EntryState
		} else {
			plans[i].EntryState = plans[i-1].ExitState
		}
		if i == last {
			plans[i].ExitState = outline.ExitState
			plans[i].StakesDelta = outline.StakesDelta
		} else if beats := plans[i].Beats; len(beats) > 0 {
			plans[i].ExitState = "After: " + beats[len(beats)-1]
		}
	}
}

func splitWords(plans []models.ScenePlan, targetWords int) {
	n := len(plans)
	per := targetWords / n
	for i := range plans {
		plans[i].TargetWords = per
	}
	plans[n-1].TargetWords += targetWords - per*n
}

// plannedScene is one element of the planner model's JSON reply
type plannedScene struct {
	Title            string   `json:"title"`
	Summary          string   `json:"summary"`
	OrderIndex       int      `json:"orderIndex"`
	Beats            []string `json:"beats"`
	RequiredEntities []string `json:"requiredEntities"`
}

// plansFromModel turns a repaired planner reply into scene plans
func plansFromModel(content []byte, outline models.Outline, targetWords int) ([]models.ScenePlan, error) {
	var planned []plannedScene
	if err := json.Unmarshal(content, &planned); err != nil {
		// A single object is a one-scene plan
		var one plannedScene
		if errObj := json.Unmarshal(content, &one); errObj != nil {
			return nil, fmt.Errorf("decode scene plan: %w", err)
		}
		planned = []plannedScene{one}
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("planner returned no scenes")
	}
	sort.SliceStable(planned, func(i, j int) bool {
		return planned[i].OrderIndex < planned[j].OrderIndex
	})

	plans := make([]models.ScenePlan, len(planned))
	for i, p := range planned {
		purpose := strings.TrimSpace(p.Summary)
		if purpose == "" {
			purpose = p.Title
		}
		beats := nonEmpty(p.Beats)
		if len(beats) == 0 {
			beats = []string{purpose}
		}
		plans[i] = models.ScenePlan{
			Index:            i,
			Purpose:          purpose,
			Beats:            beats,
			RequiredEntities: nonEmpty(p.RequiredEntities),
		}
	}

	// Outline entities the planner dropped still have to appear somewhere
	var dropped []string
	for _, e := range nonEmpty(outline.RequiredEntities) {
		found := false
		for _, p := range plans {
			if containsFold(p.RequiredEntities, e) {
				found = true
				break
			}
		}
		if !found {
			dropped = append(dropped, e)
		}
	}
	assignEntities(plans, dropped)
	chainStates(plans, outline)
	splitWords(plans, targetWords)
	return plans, nil
}

// outlineDocument is the chapters-kind JSON form of an outline used for
// validation and repair
func outlineDocument(o models.Outline) ([]byte, error) {
	doc := map[string]interface{}{
		"title":   o.Title,
		"summary": o.Summary,
	}
	if o.Beats != nil {
		doc["beats"] = o.Beats
	}
	if o.RequiredEntities != nil {
		doc["requiredEntities"] = o.RequiredEntities
	}
	if o.StakesDelta != "" {
		doc["stakesDelta"] = o.StakesDelta
	}
	if o.ThemeTags != nil {
		doc["themeTags"] = o.ThemeTags
	}
	return json.Marshal(doc)
}

// applyOutlineDocument copies repaired fields back onto the outline
func applyOutlineDocument(o *models.Outline, content []byte) error {
	var doc struct {
		Title            string   `json:"title"`
		Summary          string   `json:"summary"`
		Beats            []string `json:"beats"`
		RequiredEntities []string `json:"requiredEntities"`
		StakesDelta      string   `json:"stakesDelta"`
		ThemeTags        []string `json:"themeTags"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("decode repaired outline: %w", err)
	}
	o.Title = doc.Title
	o.Summary = doc.Summary
	o.Beats = doc.Beats
	o.RequiredEntities = doc.RequiredEntities
	o.StakesDelta = doc.StakesDelta
	if doc.ThemeTags != nil {
		o.ThemeTags = doc.ThemeTags
	}
	return nil
}

// countFixable returns how many violations repair may act on
func countFixable(vs []repair.Violation) int {
	n := 0
	for _, v := range vs {
		if v.AutoFixable && v.Type != repair.Coherence {
			n++
		}
	}
	return n
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func mentions(texts []string, lowerName string) bool {
	for _, t := range texts {
		if strings.Contains(strings.ToLower(t), lowerName) {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, x := range values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
