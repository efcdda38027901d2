package httppage

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var nonValueInputs = map[string]bool{
	"submit": true, "button": true, "image": true, "reset": true, "file": true,
}

func inputType(sel *goquery.Selection) string {
	if goquery.NodeName(sel) != "input" {
		return ""
	}
	t, _ := sel.Attr("type")
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "text"
	}
	return t
}

func isSubmitter(sel *goquery.Selection) bool {
	switch goquery.NodeName(sel) {
	case "button":
		t, _ := sel.Attr("type")
		t = strings.ToLower(t)
		return t == "" || t == "submit"
	case "input":
		t := inputType(sel)
		return t == "submit" || t == "image"
	}
	return false
}

func isEditable(sel *goquery.Selection) bool {
	switch goquery.NodeName(sel) {
	case "textarea", "select":
		return true
	case "input":
		return !nonValueInputs[inputType(sel)] && inputType(sel) != "hidden"
	}
	return false
}

// owningForm finds the form a control belongs to, by its form attribute or its closest form ancestor.
func owningForm(doc *goquery.Document, sel *goquery.Selection) *goquery.Selection {
	if id, ok := sel.Attr("form"); ok && id != "" {
		form := doc.Find("form").FilterFunction(func(_ int, f *goquery.Selection) bool {
			formID, _ := f.Attr("id")
			return formID == id
		}).First()
		if form.Length() > 0 {
			return form
		}
	}
	form := sel.Closest("form")
	if form.Length() == 0 {
		return nil
	}
	return form
}

func fieldValue(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "textarea":
		return sel.Text()
	case "select":
		selected := sel.Find("option[selected]").First()
		if selected.Length() == 0 {
			selected = sel.Find("option").First()
		}
		return optionValue(selected)
	}
	v, _ := sel.Attr("value")
	return v
}

func optionValue(option *goquery.Selection) string {
	if v, ok := option.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(option.Text())
}

func setValue(sel *goquery.Selection, value string) {
	switch goquery.NodeName(sel) {
	case "textarea":
		sel.SetText(value)
	case "select":
		sel.Find("option").Each(func(_ int, option *goquery.Selection) {
			option.RemoveAttr("selected")
			if optionValue(option) == value {
				option.SetAttr("selected", "selected")
			}
		})
	default:
		sel.SetAttr("value", value)
	}
}

func setChecked(sel *goquery.Selection, checked bool) {
	if checked {
		sel.SetAttr("checked", "checked")
		return
	}
	sel.RemoveAttr("checked")
}

// checkRadio checks a radio button and unchecks the others in its group.
func checkRadio(doc *goquery.Document, sel *goquery.Selection) {
	name, _ := sel.Attr("name")
	if name != "" {
		doc.Find(`input[type="radio"]`).Each(func(_ int, other *goquery.Selection) {
			otherName, _ := other.Attr("name")
			if otherName == name {
				other.RemoveAttr("checked")
			}
		})
	}
	setChecked(sel, true)
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "false", "off", "0", "no":
		return false
	}
	return true
}

// formValues serializes the successful controls of a form the way a browser submitting it through submitter
// would.
func formValues(doc *goquery.Document, form, submitter *goquery.Selection) url.Values {
	values := url.Values{}
	controls := form.Find("input, textarea, select")
	if id, ok := form.Attr("id"); ok && id != "" {
		controls = controls.AddSelection(doc.Find(`[form="` + id + `"]`).Filter("input, textarea, select, button"))
	}

	controls.Each(func(_ int, control *goquery.Selection) {
		name, _ := control.Attr("name")
		if name == "" || control.Is("[disabled]") {
			return
		}
		if owner := owningForm(doc, control); owner == nil || owner.Get(0) != form.Get(0) {
			return
		}

		switch t := inputType(control); {
		case nonValueInputs[t]:
			return
		case t == "checkbox" || t == "radio":
			if !control.Is("[checked]") {
				return
			}
			v, ok := control.Attr("value")
			if !ok {
				v = "on"
			}
			values.Add(name, v)
		case goquery.NodeName(control) == "select" && control.Is("[multiple]"):
			control.Find("option[selected]").Each(func(_ int, option *goquery.Selection) {
				values.Add(name, optionValue(option))
			})
		case goquery.NodeName(control) == "button":
			return
		default:
			values.Add(name, fieldValue(control))
		}
	})

	if submitter != nil {
		if name, ok := submitter.Attr("name"); ok && name != "" {
			v, _ := submitter.Attr("value")
			values.Add(name, v)
		}
	}
	return values
}
