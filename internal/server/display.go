package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/repopilot/repopilot/internal/model"
)

// displayGroup classifies an event for the frontend timeline.
type displayGroup string

const (
	groupCommand  displayGroup = "command"
	groupOutput   displayGroup = "output"
	groupResult   displayGroup = "result"
	groupTimeout  displayGroup = "timeout"
	groupArtifact displayGroup = "artifact"
	groupProtocol displayGroup = "protocol"
)

var displayLabels = map[displayGroup]string{
	groupCommand:  "命令",
	groupOutput:   "输出",
	groupResult:   "结果",
	groupTimeout:  "超时",
	groupArtifact: "产物",
	groupProtocol: "协议",
}

// previewLimit caps display text at 600 runes.
const previewLimit = 600

// enrichEventForDisplay flattens the event and attaches a "display" block
// that the frontend renders without re-parsing stream payloads.
func enrichEventForDisplay(event model.Event) map[string]any {
	data, err := json.Marshal(event)
	if err != nil {
		return map[string]any{"seq": event.Seq, "type": event.Type}
	}
	var view map[string]any
	if err := json.Unmarshal(data, &view); err != nil {
		return map[string]any{"seq": event.Seq, "type": event.Type}
	}
	view["display"] = buildEventDisplay(event)
	return view
}

func buildEventDisplay(event model.Event) map[string]string {
	switch event.Type {
	case model.EventCommand:
		text := fieldString(event, "cmd")
		if text == "" {
			text = "(无命令内容)"
		}
		return buildDisplay(groupCommand, text, "command", eventRawWithoutSeq(event))

	case model.EventStream:
		group, text, suffix, raw := buildStreamDisplay(event)
		return buildDisplay(group, text, suffix, raw)

	case model.EventAssistantText:
		text := fieldString(event, "text")
		if text == "" {
			text = "(无文本结果)"
		}
		return buildDisplay(groupResult, text, "assistant_text", eventRawWithoutSeq(event))

	case model.EventTimeout:
		text := fieldString(event, "message")
		if text == "" {
			text = "任务超时"
		}
		return buildDisplay(groupTimeout, text, "timeout", eventRawWithoutSeq(event))

	case model.EventArtifact:
		text := fieldString(event, "path")
		if text == "" {
			text = "(无产物路径)"
		}
		return buildDisplay(groupArtifact, text, "artifact", eventRawWithoutSeq(event))
	}

	fallback := fieldString(event, "message")
	if fallback == "" {
		eventType := event.Type
		if eventType == "" {
			eventType = "unknown"
		}
		fallback = "事件类型: " + eventType
	}
	suffix := event.Type
	if suffix == "" {
		suffix = "other"
	}
	return buildDisplay(groupProtocol, fallback, suffix, eventRawWithoutSeq(event))
}

func buildStreamDisplay(event model.Event) (displayGroup, string, string, string) {
	line := fieldString(event, "line")
	raw := line
	if raw == "" {
		raw = eventRawWithoutSeq(event)
	}
	if line == "" {
		return groupProtocol, "(空输出)", "empty", raw
	}

	var decoded any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		return groupProtocol, line, "unparsed", raw
	}
	payload, ok := decoded.(map[string]any)
	if !ok {
		return groupProtocol, line, "non_object", raw
	}

	streamType := asString(payload["type"])
	streamSubtype := asString(payload["subtype"])
	suffix := streamSubtype
	if suffix == "" {
		suffix = streamType
	}
	if suffix == "" {
		suffix = "unknown"
	}

	if streamType == "assistant" {
		if texts := extractAssistantText(payload); len(texts) > 0 {
			return groupOutput, strings.Join(texts, "\n"), suffix, raw
		}
		return groupProtocol, describeStreamProtocol(payload), suffix, raw
	}

	if streamType == "result" && streamSubtype == "success" {
		result := asString(payload["result"])
		if result == "" {
			result = "执行完成"
		}
		return groupResult, result, "success", raw
	}

	return groupProtocol, describeStreamProtocol(payload), suffix, raw
}

func extractAssistantText(payload map[string]any) []string {
	var chunks []string
	for _, item := range messageContent(payload) {
		if text := strings.TrimSpace(asString(item["text"])); text != "" {
			chunks = append(chunks, text)
		}
	}
	return chunks
}

func describeStreamProtocol(payload map[string]any) string {
	streamType := asString(payload["type"])
	streamSubtype := asString(payload["subtype"])

	switch streamType {
	case "assistant":
		if names := extractAssistantToolNames(payload); len(names) > 0 {
			return "助手调用工具: " + strings.Join(names, ", ")
		}
		return "助手协议消息"
	case "user":
		if containsUserToolResult(payload) {
			return "工具返回结果"
		}
		return "用户协议消息"
	case "system":
		if streamSubtype == "" {
			streamSubtype = "event"
		}
		return "系统事件: " + streamSubtype
	case "result":
		if streamSubtype == "" {
			streamSubtype = "event"
		}
		return "结果事件: " + streamSubtype
	case "":
		return "协议事件"
	}
	return "协议事件: " + streamType
}

func extractAssistantToolNames(payload map[string]any) []string {
	var names []string
	for _, item := range messageContent(payload) {
		if asString(item["type"]) != "tool_use" {
			continue
		}
		if name := asString(item["name"]); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func containsUserToolResult(payload map[string]any) bool {
	for _, item := range messageContent(payload) {
		if asString(item["type"]) == "tool_result" {
			return true
		}
	}
	return false
}

// messageContent returns message.content entries that are JSON objects.
func messageContent(payload map[string]any) []map[string]any {
	message, ok := payload["message"].(map[string]any)
	if !ok {
		return nil
	}
	content, ok := message["content"].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(content))
	for _, entry := range content {
		if item, ok := entry.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items
}

func buildDisplay(group displayGroup, text, mergeSuffix, raw string) map[string]string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		cleaned = "(空输出)"
	}
	suffix := mergeSuffix
	if suffix == "" {
		suffix = "event"
	}
	return map[string]string{
		"group":     string(group),
		"label":     displayLabels[group],
		"text":      truncatePreview(cleaned),
		"merge_key": fmt.Sprintf("%s:%s", group, suffix),
		"raw":       raw,
	}
}

// eventRawWithoutSeq renders the flat event JSON minus the seq counter, so
// merged timeline rows compare equal across reads.
func eventRawWithoutSeq(event model.Event) string {
	data, err := json.Marshal(event)
	if err != nil {
		return ""
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return ""
	}
	delete(flat, "seq")
	out, err := json.Marshal(flat)
	if err != nil {
		return ""
	}
	return string(out)
}

func truncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "…"
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func fieldString(event model.Event, key string) string {
	return asString(event.Fields[key])
}
