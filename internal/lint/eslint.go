// Package lint runs ESLint with Vue rules inside a sandbox container.
package lint

import "encoding/json"

// Packages the harness needs inside the container.
var RequiredPackages = []string{"eslint-plugin-vue", "vue-eslint-parser"}

// VirtualFilename is the name ESLint sees for stdin so it picks the Vue parser.
const VirtualFilename = "LintTarget.vue"

// ConfigFilename is the name of the config file written into the container.
const ConfigFilename = ".eslintrc.json"

// ESLintConfig is an eslintrc-format configuration.
type ESLintConfig struct {
	Extends       []string       `json:"extends"`
	Plugins       []string       `json:"plugins"`
	Parser        string         `json:"parser"`
	ParserOptions ParserOptions  `json:"parserOptions"`
	Rules         map[string]any `json:"rules"`
}

type ParserOptions struct {
	ECMAVersion int    `json:"ecmaVersion"`
	SourceType  string `json:"sourceType"`
}

// Config returns the fixed configuration every lint run uses.
func Config() ESLintConfig {
	return ESLintConfig{
		Extends: []string{
			"eslint:recommended",
			"plugin:vue/vue3-recommended",
		},
		Plugins: []string{"vue"},
		Parser:  "vue-eslint-parser",
		ParserOptions: ParserOptions{
			ECMAVersion: 2022,
			SourceType:  "module",
		},
		Rules: map[string]any{
			"vue/valid-template-root": "error",
			"vue/comment-directive": []any{"error", map[string]any{
				"reportUnusedDisableDirectives": true,
			}},
			"vue/no-multiple-template-root": "error",
			"vue/no-unused-components":      "error",
			"vue/no-unused-vars":            "error",
			"vue/html-indent":               []any{"error", 2},
			"vue/html-self-closing":         "error",
			"vue/no-irregular-whitespace": []any{"error", map[string]any{
				"skipStrings":             false,
				"skipComments":            false,
				"skipRegExps":             false,
				"skipTemplates":           false,
				"skipHTMLAttributeValues": false,
				"skipHTMLTextContents":    false,
			}},
			"vue/no-parsing-error":   "error",
			"vue/no-template-shadow": "error",
			"vue/block-order": []any{"error", map[string]any{
				"order": []string{"template", "script", "style"},
			}},
		},
	}
}

// ConfigJSON returns Config encoded as indented JSON.
func ConfigJSON() ([]byte, error) {
	return json.MarshalIndent(Config(), "", "  ")
}
