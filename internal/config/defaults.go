package config

// GetDefaultSceneTemplate returns the default template for scene prose generation
func GetDefaultSceneTemplate() string {
	return `You are writing scene {{.SceneNumber}} of {{.SceneCount}} in the chapter "{{.ChapterTitle}}" of the {{.Genre}} novel "{{.ProjectTitle}}".
{{if .PriorDigest}}
STORY SO FAR:
{{.PriorDigest}}
{{end}}{{if .PreviousRecap}}
PREVIOUS SCENE:
{{.PreviousRecap}}
{{end}}
SCENE PURPOSE: {{.Purpose}}

BEATS (cover all of them, in order):
{{range .Beats}}- {{.}}
{{end}}{{if .Entities}}
CHARACTERS AND PLACES THAT MUST APPEAR:
{{range .Entities}}- {{.}}
{{end}}{{end}}
OPENING STATE: {{.EntryState}}
CLOSING STATE: {{.ExitState}}
{{if .StakesDelta}}STAKES CHANGE: {{.StakesDelta}}
{{end}}
Write roughly {{.TargetWords}} words of finished prose. Do not add headings or commentary.
After the prose, add a fenced json block with a scene card:
` + "```json" + `
{"title": "...", "summary": "one or two sentences", "beats": ["..."], "requiredEntities": ["..."]}
` + "```"
}

// GetDefaultSceneSystemPrompt returns the default system prompt for scene generation
func GetDefaultSceneSystemPrompt() string {
	return `You are a skilled novelist. You write vivid, coherent long-form fiction that follows the outline you are given, keeps continuity with earlier scenes, and never refuses or breaks character to talk about the task.`
}

// GetDefaultPlanningTemplate returns the default template for scene planning
func GetDefaultPlanningTemplate() string {
	return `Break the chapter "{{.ChapterTitle}}" into {{.SceneCount}} scenes.

CHAPTER SUMMARY:
{{.Summary}}
{{if .RequiredEntities}}
REQUIRED CHARACTERS AND PLACES: {{.RequiredEntities}}
{{end}}
Return ONLY a valid JSON array (no markdown, no additional text). Each element must look like:
{"title": "...", "summary": "...", "orderIndex": 0, "beats": ["..."], "requiredEntities": ["..."]}`
}

// GetDefaultChapterSummaryTemplate returns the default template for chapter digests
func GetDefaultChapterSummaryTemplate() string {
	return `Summarize the chapter "{{.Title}}" for a writer who needs to continue the story.
Keep every plot event, change of state, and open thread. Name characters explicitly. Use at most 250 words.

CHAPTER TEXT:
{{.Text}}`
}

// GetDefaultRollupSummaryTemplate returns the default template for volume and project digests
func GetDefaultRollupSummaryTemplate() string {
	return `Combine the following {{.Scope}} summaries of "{{.Title}}" into a single running synopsis.
Keep the order of events and every unresolved thread. Use at most 400 words.

SUMMARIES:
{{.Text}}`
}

// GetDefaultJudgeTemplate returns the default rubric for scene scoring
func GetDefaultJudgeTemplate() string {
	return `You are an experienced fiction editor. Evaluate the scene below.

SCENE PURPOSE: {{.Purpose}}

SCENE TEXT:
{{.SceneText}}

For each criterion give a "score" from 1 to 5 (1 = fundamental flaws, 3 = competent, 5 = exceptional) and a short "reasoning":
1. outline_adherence
2. continuity
3. character_and_dialogue
4. prose_style
5. pacing

Return ONLY a valid JSON object with this exact structure (no markdown, no additional text):
{
  "outline_adherence": {"score": <1-5>, "reasoning": "<your analysis>"},
  "continuity": {"score": <1-5>, "reasoning": "<your analysis>"},
  ...
}`
}
