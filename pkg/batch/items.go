// Package batch downloads a list of images (from a spreadsheet or a YAML
// manifest) through the fetch orchestrator, one file per row.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Item is one row of batch input.
type Item struct {
	Row       int      `yaml:"row,omitempty" json:"row,omitempty"`
	Name      string   `yaml:"name" json:"name"`
	Intro     string   `yaml:"intro,omitempty" json:"intro,omitempty"`
	URL       string   `yaml:"url" json:"url"`
	SourceURL string   `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	Keywords  []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// displayName is the name used for the file and metadata. Scraped titles often
// read "Name - Position"; only the part before the dash is kept.
func (it Item) displayName() string {
	name := strings.TrimSpace(it.Name)
	if head, _, ok := strings.Cut(name, " - "); ok && strings.TrimSpace(head) != "" {
		name = strings.TrimSpace(head)
	}
	if name == "" {
		name = fmt.Sprintf("row_%d", it.Row)
	}
	return name
}

type manifest struct {
	Items []Item `yaml:"items"`
}

// LoadItems reads batch input. .xlsx/.xlsm files are read with cols; .yaml/.yml
// manifests hold either a list of items or an "items:" mapping. Rows without a
// URL are dropped.
func LoadItems(path string, cols config.ColumnConfig) ([]Item, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return loadWorkbook(path, cols)
	case ".yaml", ".yml":
		return loadManifest(path)
	case ".xls":
		return nil, fmt.Errorf("%w: legacy .xls is not supported, save as .xlsx: %s", utils.ErrParsing, path)
	}
	return nil, fmt.Errorf("%w: unsupported batch input type: %s", utils.ErrParsing, path)
}

func loadManifest(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", utils.ErrFilesystem, err)
	}
	var items []Item
	if err := yaml.Unmarshal(data, &items); err != nil {
		var m manifest
		if err2 := yaml.Unmarshal(data, &m); err2 != nil {
			return nil, fmt.Errorf("%w: YAML manifest %s: %w", utils.ErrParsing, path, err)
		}
		items = m.Items
	}

	out := items[:0]
	for i, it := range items {
		it.URL = strings.TrimSpace(it.URL)
		if it.URL == "" {
			continue
		}
		if it.Row == 0 {
			it.Row = i + 1
		}
		it.Name = strings.TrimSpace(it.Name)
		it.SourceURL = strings.TrimSpace(it.SourceURL)
		out = append(out, it)
	}
	return out, nil
}

// columnIndex converts "E" or "5" to a zero-based index.
func columnIndex(col string) (int, error) {
	col = strings.TrimSpace(col)
	if n, err := strconv.Atoi(col); err == nil {
		if n < 1 {
			return 0, fmt.Errorf("%w: invalid column %q", utils.ErrConfigValidation, col)
		}
		return n - 1, nil
	}
	n, err := excelize.ColumnNameToNumber(strings.ToUpper(col))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid column %q: %w", utils.ErrConfigValidation, col, err)
	}
	return n - 1, nil
}

// columnIndexes parses a comma separated column list ("F,G,H").
func columnIndexes(cols string) ([]int, error) {
	var out []int
	for _, c := range strings.Split(cols, ",") {
		if strings.TrimSpace(c) == "" {
			continue
		}
		idx, err := columnIndex(c)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func loadWorkbook(path string, cols config.ColumnConfig) ([]Item, error) {
	nameCol, err := columnIndex(cols.Name)
	if err != nil {
		return nil, err
	}
	urlCol, err := columnIndex(cols.URL)
	if err != nil {
		return nil, err
	}
	introCols, err := columnIndexes(cols.Intro)
	if err != nil {
		return nil, err
	}
	sourceCol := -1
	if cols.Source != "" {
		if sourceCol, err = columnIndex(cols.Source); err != nil {
			return nil, err
		}
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook %s: %w", utils.ErrParsing, path, err)
	}
	defer f.Close()

	sheet := cols.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %w", utils.ErrParsing, sheet, err)
	}

	start := cols.StartRow
	if start < 1 {
		start = 1
	}
	var items []Item
	for i := start - 1; i < len(rows); i++ {
		row := rows[i]
		u := cell(row, urlCol)
		if u == "" {
			continue
		}
		var intro []string
		for _, c := range introCols {
			if v := cell(row, c); v != "" {
				intro = append(intro, v)
			}
		}
		it := Item{
			Row:   i + 1,
			Name:  cell(row, nameCol),
			Intro: strings.Join(intro, " | "),
			URL:   u,
		}
		if sourceCol >= 0 {
			it.SourceURL = cell(row, sourceCol)
		}
		items = append(items, it)
	}
	return items, nil
}

// BatchName names the resume state of an input file: its base name without
// the extension.
func BatchName(inputPath string) string {
	base := filepath.Base(inputPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
