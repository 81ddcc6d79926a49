package generator

import "strings"

// SafetyTopic names a class of robot-safety guidance relevant to an answer.
type SafetyTopic string

const (
	SafetyMovement SafetyTopic = "movement"
	SafetyGripper  SafetyTopic = "gripper"
	SafetyVision   SafetyTopic = "vision"
	// SafetyGeneral applies to any answer that contains Python code.
	SafetyGeneral SafetyTopic = "general"
)

var safetyKeywords = []struct {
	topic    SafetyTopic
	keywords []string
}{
	{SafetyMovement, []string{"move", "motion", "trajectory", "arm", "joint", "mobile", "base"}},
	{SafetyGripper, []string{"gripper", "grasp", "pick", "place", "grip"}},
	{SafetyVision, []string{"camera", "vision", "detect", "track"}},
}

var safetyGuidelines = map[SafetyTopic]string{
	SafetyMovement: "Movement safety:\n- Set safe speed limits\n- Monitor surroundings\n- Use emergency stop\n- Test in simulation first",
	SafetyGripper:  "Gripper safety:\n- Set force limits\n- Monitor grip state\n- Keep clear during operation\n- Test without objects first",
	SafetyVision:   "Vision safety:\n- Verify camera calibration\n- Validate object detection\n- Maintain clear view\n- Handle detection failures",
	SafetyGeneral:  "Code safety:\n- Import safety modules\n- Use safe starting positions\n- Handle errors properly\n- Follow workspace limits",
}

// SafetyTopics returns the topics whose keywords appear in the query or the
// response, in a fixed order. Matching is a case-insensitive substring test.
func SafetyTopics(query, response string) []SafetyTopic {
	q, r := strings.ToLower(query), strings.ToLower(response)
	var topics []SafetyTopic
	for _, sk := range safetyKeywords {
		for _, kw := range sk.keywords {
			if strings.Contains(q, kw) || strings.Contains(r, kw) {
				topics = append(topics, sk.topic)
				break
			}
		}
	}
	if strings.Contains(response, "```python") {
		topics = append(topics, SafetyGeneral)
	}
	return topics
}

// Guideline returns the checklist for topic, or "" for an unknown topic.
func Guideline(topic SafetyTopic) string {
	return safetyGuidelines[topic]
}
