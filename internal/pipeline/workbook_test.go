package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
}

func TestLoadMembers(t *testing.T) {
	p := filepath.Join(t.TempDir(), "staged.xlsx")
	writeWorkbook(t, p, [][]any{
		{"CODIGO_INFOPLAN", "PRI_NOM", "SEG_NOM", "PRI_APE", "SEG_APE", "SEXO", "FEC_NAC", "FACTURA"},
		{"A100", "José", "", "Peña", "", "M", "1985-07-14", "F-1"},
		{"A101", "Ana", "María", "Gómez", "Lora", "F", "1992-03-02", "F-1"},
		{"", "Ghost", "", "Row", "", "M", "", ""}, // no code, skipped
	})

	ms, err := LoadMembers(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("expected 2 members, got %d", len(ms))
	}
	if ms[0].Code != "A100" || ms[0].FirstName != "JOSE" || ms[0].LastName != "PENA" {
		t.Fatalf("unexpected first member %+v", ms[0])
	}
	if ms[1].Gender != "F" || ms[1].Birthdate != "1992-03-02" || ms[1].Factura != "F-1" {
		t.Fatalf("unexpected second member %+v", ms[1])
	}
}

func TestLoadMembersRequiresCodeColumn(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.xlsx")
	writeWorkbook(t, p, [][]any{
		{"NOMBRE", "APELLIDO"},
		{"Ana", "Gómez"},
	})
	if _, err := LoadMembers(p); err == nil {
		t.Fatalf("expected error for missing code column")
	}
}

func TestDiff(t *testing.T) {
	prev := []Member{{Code: "A"}, {Code: "B"}}
	cur := []Member{{Code: "B"}, {Code: "C"}, {Code: "D"}}
	added := Diff(prev, cur)
	if len(added) != 2 || added[0].Code != "C" || added[1].Code != "D" {
		t.Fatalf("unexpected diff %+v", added)
	}
	if got := Diff(nil, cur); len(got) != 3 {
		t.Fatalf("empty previous must treat every row as new, got %d", len(got))
	}
	if got := Diff(prev, prev); got != nil {
		t.Fatalf("identical workbooks must produce no additions, got %+v", got)
	}
}
