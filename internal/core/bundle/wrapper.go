package bundle

import (
	"bytes"
	"text/template"

	"edge-cd/internal/adapter/platform"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// 包装 Durable Object 类: 构造时注入计费身份, 每次 fetch 写一条 wall time 数据点
var wrapperTemplate = template.Must(template.New("wrapper").Parse(`import * as user from "./{{.Entrypoint}}";

export * from "./{{.Entrypoint}}";
export default user.default;

function meter(env, className, started) {
  const sink = env["{{.Sink}}"];
  if (!sink) return;
  sink.writeDataPoint({
    indexes: [env["{{.ProjectID}}"] || ""],
    blobs: [env["{{.ProjectID}}"] || "", env["{{.OrgID}}"] || "", className],
    doubles: [Date.now() - started, 1],
  });
}
{{range .Classes}}
export class {{.}} extends user.{{.}} {
  constructor(ctx, env) {
    super(ctx, env);
    const inner = this.fetch ? this.fetch.bind(this) : null;
    if (inner) {
      this.fetch = async (request) => {
        const started = Date.now();
        try {
          return await inner(request);
        } finally {
          meter(env, "{{.}}", started);
        }
      };
    }
  }
}
{{end}}`))

// MeteringWrapper 生成包装入口模块, 发布时作为 main module
func MeteringWrapper(entrypoint string, classes []string) (platform.Module, error) {
	var buf bytes.Buffer
	err := wrapperTemplate.Execute(&buf, map[string]any{
		"Entrypoint": entrypoint,
		"Classes":    classes,
		"Sink":       constants.BindingDOMetrics,
		"ProjectID":  constants.BindingProjectID,
		"OrgID":      constants.BindingOrgID,
	})
	if err != nil {
		return platform.Module{}, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "生成计费包装模块失败", err)
	}
	return platform.Module{
		Name:        constants.MeteringWrapperModule,
		ContentType: platform.ContentTypeESModule,
		Content:     buf.Bytes(),
	}, nil
}
