package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"cust-42", true},
		{"Київ", true},
		{"Ivano-Frankivsk", true},
		{"USER:cust-42:REQUIRE_PREPAID", true},
		{"", false},
		{"a/b", false},
		{"<script>", false},
	}
	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"verified", 20, "verified"},
		{"  verified  ", 20, "verified"},
		{"verified by phone", 8, "verified"},
		{"ok\x00", 10, "ok"},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("reason", " "),
		IntRange("score", 140, 0, 100),
		FloatRange("tolerance", 0.5, 0, 1),
		OneOf("lever", "bogus", "prepaid_discount_pct", "min_deposit_uah"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "reason" || errs[1].Field != "score" || errs[2].Field != "lever" {
		t.Errorf("unexpected fields: %+v", errs)
	}
	if errs.Error() != "reason: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestValidationErrors_Err(t *testing.T) {
	if Validate(Required("a", "x")).Err() != nil {
		t.Error("expected nil error for valid input")
	}
	if Validate(Required("a", "")).Err() == nil {
		t.Error("expected error for invalid input")
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/risk/customers/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		path string
		code int
	}{
		{"/risk/customers/cust-1", http.StatusOK},
		{"/risk/customers/%3Cx%3E", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", tc.path, nil))
		if w.Code != tc.code {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.code)
		}
	}
}
