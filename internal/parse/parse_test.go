package parse

import (
	"reflect"
	"testing"
)

func TestCSV(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{"plain", "Mira, Tomas", []string{"Mira", "Tomas"}},
		{"quoted items", `"Mira", 'Tomas', ` + "`Old Wen`", []string{"Mira", "Tomas", "Old Wen"}},
		{"single name", "Mira", []string{"Mira"}},
		{"empty", "", nil},
		{"whitespace only", "  \n\t ", nil},
		{"dangling commas", ",Mira,, Tomas,", []string{"Mira", "Tomas"}},
		{"keeps first line only", "Mira, Tomas\nBecause they have unfinished business.", []string{"Mira", "Tomas"}},
		{"leading blank line", "\n  \nMira", []string{"Mira"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CSV(tt.reply)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CSV(%q) = %v, want %v", tt.reply, got, tt.want)
			}
		})
	}
}

func TestJSONObject(t *testing.T) {
	t.Run("plain object", func(t *testing.T) {
		obj, err := JSONObject(`{"name": "Kaelen", "role": "Blacksmith"}`)
		if err != nil {
			t.Fatalf("JSONObject() error = %v", err)
		}
		if obj["name"] != "Kaelen" {
			t.Errorf("obj[name] = %v, want Kaelen", obj["name"])
		}
	})

	t.Run("fenced with prose", func(t *testing.T) {
		reply := "Here is my decision:\n```json\n{\"name\": \"Kaelen\"}\n```\nHope that helps!"
		obj, err := JSONObject(reply)
		if err != nil {
			t.Fatalf("JSONObject() error = %v", err)
		}
		if obj["name"] != "Kaelen" {
			t.Errorf("obj[name] = %v, want Kaelen", obj["name"])
		}
	})

	t.Run("nested braces", func(t *testing.T) {
		obj, err := JSONObject(`{"entities": {"Mira": {"role": "blacksmith"}}, "timeline": []}`)
		if err != nil {
			t.Fatalf("JSONObject() error = %v", err)
		}
		if _, ok := obj["entities"].(map[string]any); !ok {
			t.Errorf("entities is %T, want map", obj["entities"])
		}
	})

	t.Run("no object", func(t *testing.T) {
		if _, err := JSONObject("I would rather not answer."); err == nil {
			t.Error("JSONObject() error = nil, want error")
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := JSONObject(`{"name": }`); err == nil {
			t.Error("JSONObject() error = nil, want error")
		}
	})
}

func TestStringField(t *testing.T) {
	obj := map[string]any{"name": "Kaelen", "age": 7, "blank": "  "}
	if v, ok := StringField(obj, "name"); !ok || v != "Kaelen" {
		t.Errorf("StringField(name) = %q, %v", v, ok)
	}
	if _, ok := StringField(obj, "age"); ok {
		t.Error("StringField(age) ok = true, want false for non-string")
	}
	if _, ok := StringField(obj, "blank"); ok {
		t.Error("StringField(blank) ok = true, want false for blank string")
	}
	if _, ok := StringField(obj, "missing"); ok {
		t.Error("StringField(missing) ok = true, want false")
	}
}

func TestFirstLineAndClampWords(t *testing.T) {
	if got := FirstLine("\n\n  Respected elder  \nbecause..."); got != "Respected elder" {
		t.Errorf("FirstLine() = %q", got)
	}
	if got := ClampWords("Feared outcast of the north", 2); got != "Feared outcast" {
		t.Errorf("ClampWords() = %q", got)
	}
	if got := ClampWords("Kind", 2); got != "Kind" {
		t.Errorf("ClampWords() = %q", got)
	}
}
