package extract

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const cssDoc = `<div id="root" class="wrap">
  <ul class="list main">
    <li class="item hot" data-rank="1"><a href="/a">A</a></li>
    <li class="item"><span><a href="/b">B</a></span></li>
    <li class="other" data-rank="3">C</li>
  </ul>
  <p class="item">outside</p>
</div>`

func TestSelector(t *testing.T) {
	t.Parallel()

	doc, err := html.Parse(strings.NewReader(cssDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		sel  string
		want int
	}{
		{"li", 3},
		{".item", 3},
		{"li.item", 2},
		{"li.item.hot", 1},
		{"#root", 1},
		{"ul.list li", 3},
		{"ul > a", 0},
		{"li > a", 1},
		{"li a", 2},
		{"[data-rank]", 2},
		{"li[data-rank=3]", 1},
		{"a[href^=/]", 2},
		{"a[href*=b]", 1},
		{"li.hot, p", 2},
		{"section", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.sel, func(t *testing.T) {
			t.Parallel()
			if got := len(Compile(tt.sel).All(doc)); got != tt.want {
				t.Fatalf("%q matched %d, want %d", tt.sel, got, tt.want)
			}
		})
	}
}

func TestSelectorExcludesContextNode(t *testing.T) {
	t.Parallel()

	doc, _ := html.Parse(strings.NewReader(cssDoc))
	li := Compile("li.hot").First(doc)
	if li == nil {
		t.Fatalf("li.hot not found")
	}
	if got := Compile("li").All(li); len(got) != 0 {
		t.Fatalf("context node must not match itself, got %d", len(got))
	}
	if got := Compile("").First(li); got != li {
		t.Fatalf("empty selector should return the context node")
	}
}
