package plan

import (
	"sort"
	"strings"

	"github.com/repopilot/repopilot/internal/model"
)

// planSchema is the JSON shape the planning agent is asked to return,
// embedded verbatim in the plan prompt.
const planSchema = `{
  "summary": "执行前计划摘要（1-2句话描述目标）",
  "steps": [
    "步骤1: 具体操作",
    "步骤2: 具体操作"
  ],
  "risks": [
    "风险1: 描述",
    "风险2: 描述"
  ],
  "affected_files": [
    "path/to/file1",
    "path/to/file2"
  ],
  "new_dependencies": [
    "package1",
    "package2"
  ],
  "estimated_time": "预计执行时间（如：5-10分钟）",
  "validation": "如何验证实现正确（如：运行哪些测试，检查什么行为）",
  "rollback": "如何回滚改动（如：删除哪些文件，恢复哪些配置）",
  "questions": [
    {
      "id": "q1",
      "title": "决策项标题",
      "question": "你要确认的关键问题",
      "options": [
        {
          "key": "a",
          "label": "选项A",
          "description": "影响"
        },
        {
          "key": "b",
          "label": "选项B",
          "description": "影响"
        }
      ],
      "recommended_option_key": "a"
    }
  ],
  "recommended_prompt": "建议进入执行模式时使用的最终 Prompt"
}`

// PlanPrompt wraps a task prompt in the planning-mode instructions.
func PlanPrompt(taskPrompt string) string {
	var b strings.Builder
	b.WriteString("你现在在 Plan 模式。\n")
	b.WriteString("你的任务是分析需求并制定详细的执行计划，而不是直接修改代码。\n\n")
	b.WriteString("请返回一个 JSON 对象（必须可解析），包含以下字段：\n")
	b.WriteString(planSchema)
	b.WriteString("\n\n")
	b.WriteString("字段说明：\n")
	b.WriteString("- summary: 目标摘要\n")
	b.WriteString("- steps: 实现步骤列表\n")
	b.WriteString("- risks: 潜在风险列表（如性能影响、兼容性问题）\n")
	b.WriteString("- affected_files: 将要修改的文件路径列表\n")
	b.WriteString("- new_dependencies: 需要安装的新依赖包列表（如无则空数组）\n")
	b.WriteString("- estimated_time: 预计执行时间\n")
	b.WriteString("- validation: 验证方法\n")
	b.WriteString("- rollback: 回滚方法\n")
	b.WriteString("- questions: 需要用户确认的决策项\n")
	b.WriteString("- recommended_prompt: 建议的执行提示词\n\n")
	b.WriteString("JSON 后面可以追加简短说明。\n")
	b.WriteString("用户需求如下：\n")
	b.WriteString(taskPrompt)
	return b.String()
}

// BuildExecPrompt composes the execution prompt from the original request,
// the confirmed plan and the user's answers. Answers are listed in plan
// question order so the prompt is stable across runs.
func BuildExecPrompt(originalPrompt string, plan *model.PlanResult, answers map[string]string) string {
	if plan == nil {
		return originalPrompt
	}

	lines := []string{"以下是已确认的执行上下文："}
	if plan.Summary != "" {
		lines = append(lines, "- 计划摘要: "+plan.Summary)
	}

	if len(answers) > 0 {
		lines = append(lines, "- 用户确认:")
		seen := make(map[string]bool, len(answers))
		for _, q := range plan.Questions {
			if value, ok := answers[q.ID]; ok {
				lines = append(lines, "  - "+q.ID+": "+value)
				seen[q.ID] = true
			}
		}
		// Answers for unknown question ids still appear, after the known ones.
		extras := make([]string, 0)
		for key := range answers {
			if !seen[key] {
				extras = append(extras, key)
			}
		}
		sort.Strings(extras)
		for _, key := range extras {
			lines = append(lines, "  - "+key+": "+answers[key])
		}
	}

	if plan.RecommendedPrompt != "" {
		lines = append(lines, "- 建议执行 Prompt:", plan.RecommendedPrompt)
	}

	lines = append(lines, "- 原始需求:", originalPrompt)
	return strings.Join(lines, "\n")
}

// RevisedPrompt appends user feedback to a prompt for a planning retry.
func RevisedPrompt(prompt, feedback string) string {
	return prompt + "\n\n[用户反馈]\n" + strings.TrimSpace(feedback)
}
