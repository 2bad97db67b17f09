package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

//go:embed assets/*.html
var assets embed.FS

// Template and menu definition
type Templates struct {
	*template.Template
	Menu []Link
}

type Link struct {
	Url      string
	Name     string
	Selected bool
}

// Parse the embedded templates
func NewTemplates() (*Templates, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"pct": func(x float64) string { return fmt.Sprintf("%.2f%%", 100*x) },
	}).ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, err
	}
	return &Templates{Template: tmpl}, nil
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = url == key.Url || (key.Url != "/" && strings.HasPrefix(url, key.Url))
	}
	return t
}

func logError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	log.Error(err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
