package migration

import (
	"github.com/samber/lo"

	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/manifest"
)

// Compute 根据项目最后应用的 tag 计算待发送的迁移步骤
// 返回 nil 表示无需迁移; lastTag 不在清单中时全部视为未应用
func Compute(lastTag string, migrations []manifest.Migration) *platform.Migrations {
	if len(migrations) == 0 {
		return nil
	}
	newTag := migrations[len(migrations)-1].Tag
	if lastTag == newTag {
		return nil
	}

	pending := migrations
	if _, idx, found := lo.FindIndexOf(migrations, func(m manifest.Migration) bool {
		return m.Tag == lastTag
	}); found && lastTag != "" {
		pending = migrations[idx+1:]
	}

	return &platform.Migrations{
		OldTag: lastTag,
		NewTag: newTag,
		Steps:  lo.Map(pending, toStep),
	}
}

func toStep(m manifest.Migration, _ int) platform.MigrationStep {
	step := platform.MigrationStep{
		NewSqliteClasses: m.NewSqliteClasses,
		DeletedClasses:   m.DeletedClasses,
	}
	for _, r := range m.RenamedClasses {
		step.RenamedClasses = append(step.RenamedClasses, platform.RenamedClass{From: r.From, To: r.To})
	}
	return step
}
