package engine

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// templateFuncs — дополнительные функции для шаблонов команд.
var templateFuncs = template.FuncMap{
	// default — возвращает значение по умолчанию, если второй аргумент пустой
	"default": func(def, val string) string {
		if val == "" {
			return def
		}
		return val
	},

	// quote — экранирует аргумент для shell
	"quote": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	},

	// atoi — строка в число (для арифметики в шаблонах)
	"atoi": func(s string) (int, error) {
		return strconv.Atoi(s)
	},

	// join — объединяет слайс строк
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

// RenderCommand рендерит шаблон команды с аргументами узла.
//
// Аргументы доступны по имени:
//
//	python fit.py --location {{ .location }} --year {{ .year }}
//
// Отсутствующий аргумент — ошибка, а не "<no value>".
func RenderCommand(tmpl string, args map[string]string) (string, error) {
	// Проверяем, содержит ли строка шаблонные выражения
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("command").
		Funcs(templateFuncs).
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	if args == nil {
		args = map[string]string{}
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// MustRenderCommand рендерит шаблон и паникует при ошибке.
// Используется только для тестов.
func MustRenderCommand(tmpl string, args map[string]string) string {
	result, err := RenderCommand(tmpl, args)
	if err != nil {
		panic(err)
	}
	return result
}
