package route

import (
	"path"
	"strings"
)

// sourceExtensions are the handler-module extensions recognized when
// mapping scanned file paths to route templates.
var sourceExtensions = []string{".go", ".ts", ".js", ".mjs", ".cjs", ".tsx", ".jsx"}

// TemplateFromFile maps a scanned handler file path to a route
// template joined with prefix: the source extension is stripped, a
// trailing "/index" collapses to the directory route, and "[name]"
// segments become ":name" parameters.
//
//	TemplateFromFile("/api", "users/[id].ts") == "/api/users/:id"
//	TemplateFromFile("/api", "users/index.ts") == "/api/users"
func TemplateFromFile(prefix, file string) string {
	file = strings.TrimPrefix(file, "/")

	for _, ext := range sourceExtensions {
		if strings.HasSuffix(file, ext) {
			file = strings.TrimSuffix(file, ext)
			break
		}
	}

	if file == "index" {
		file = ""
	} else if strings.HasSuffix(file, "/index") {
		file = strings.TrimSuffix(file, "/index")
	}

	var b strings.Builder
	for _, seg := range strings.Split(file, "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") && len(seg) > 2 {
			b.WriteByte(':')
			b.WriteString(seg[1 : len(seg)-1])
		} else {
			b.WriteString(seg)
		}
	}

	return path.Join("/", strings.TrimRight(prefix, "/")+b.String())
}
