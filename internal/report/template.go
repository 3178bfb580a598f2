package report

import (
	"bytes"
	"fmt"
	"html/template"
)

var bodyTmpl = template.Must(template.New("report").Parse(`<html>
<body style="font-family: Arial, sans-serif">
<h2>Resumen de emisión: sesión {{.SessionID}}</h2>
<p>Generado: {{.GeneratedAt.Format "2006-01-02 15:04:05"}}</p>
{{if .Note}}<p><b>{{.Note}}</b></p>{{end}}
<table border="1" cellpadding="6" cellspacing="0">
<tr><th>Pipeline</th><th>Estado</th><th>Procesados</th><th>Exitosos</th><th>Fallidos</th><th>Excluidos</th><th>Duración</th></tr>
{{range .Entries}}<tr>
<td>{{.Display}}</td><td>{{.Status}}</td><td>{{.Total}}</td><td>{{.Succeeded}}</td><td>{{.Failed}}</td><td>{{.Excluded}}</td><td>{{.Duration}}</td>
</tr>
{{if .Subject}}<tr><td colspan="7">Asunto: {{.Subject}}</td></tr>{{end}}
{{if .Detail}}<tr><td colspan="7">{{.Detail}}</td></tr>{{end}}
{{end}}</table>
</body>
</html>`))

// Subject returns the email subject for a report.
func Subject(r *Report) string {
	switch r.Variant {
	case VariantCombined:
		return fmt.Sprintf("Reporte combinado de emisión - %s", r.SessionID)
	case VariantTimeout:
		return fmt.Sprintf("Reporte de emisión (pipeline incompleto) - %s", r.SessionID)
	default:
		return fmt.Sprintf("Reporte de emisión - %s", r.SessionID)
	}
}

// RenderHTML renders the email body.
func RenderHTML(r *Report) (string, error) {
	var b bytes.Buffer
	if err := bodyTmpl.Execute(&b, r); err != nil {
		return "", err
	}
	return b.String(), nil
}
