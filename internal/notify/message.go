package notify

import (
	"bytes"
	"text/template"
)

const downSubject = "Backup alert: repositories are down"

var (
	downEmailTmpl = template.Must(template.New("down-email").Parse(
		`Hello {{.Username}},

No backup has been received recently for the following repositories:
{{range .Aliases}}
  - {{.}}{{end}}

Please check the logs of the backup clients.

BorgWarehouse
`))

	downShortTmpl = template.Must(template.New("down-short").Parse(
		`🔴 Some repositories require your attention: {{range $i, $a := .Aliases}}{{if $i}}, {{end}}{{$a}}{{end}}. Please check your client logs.`))
)

const (
	testSubject = "BorgWarehouse test notification"
	testBody    = "This is a test notification from BorgWarehouse. Your alert channel works."
)

type downData struct {
	Username string
	Aliases  []string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
