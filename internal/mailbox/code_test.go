package mailbox

import (
	"io"
	"strings"
	"testing"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "chinese phrase anchor",
			body: "您好，您的验证码为：ABC123，请在 10 分钟内使用。",
			want: "ABC123",
		},
		{
			name: "english phrase anchor",
			body: "Hello, your verification code is: XY9Z4Q. It expires soon.",
			want: "XY9Z4Q",
		},
		{
			name: "html structure pattern",
			body: `<td><span class="x_verification-code">QR7TW2</span></td>`,
			want: "QR7TW2",
		},
		{
			name: "generic span fallback",
			body: `<span>K2M4N6</span>`,
			want: "K2M4N6",
		},
		{
			name: "bare word fallback",
			body: "use code AB12CD to continue",
			want: "AB12CD",
		},
		{
			name: "digits only is not a code",
			body: "your number is 123456 thanks",
			want: "",
		},
		{
			name: "digits skipped in favor of lettered candidate",
			body: "ref 123456 code ZZ99XX end",
			want: "ZZ99XX",
		},
		{
			name: "lowercase normalized",
			body: "verification code is: ab12cd",
			want: "AB12CD",
		},
		{
			name: "anchor wins over earlier generic match",
			body: "ticket FFFFFF opened. 验证码为：GG11HH",
			want: "GG11HH",
		},
		{
			name: "empty body",
			body: "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode(tt.body); got != tt.want {
				t.Errorf("ExtractCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadMailBodyPrefersHTML(t *testing.T) {
	raw := strings.Join([]string{
		"From: noreply-googlecloud@google.com",
		"To: ops@example.com",
		"Subject: Verify",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="bb"`,
		"",
		"--bb",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain body without code",
		"--bb",
		"Content-Type: text/html; charset=utf-8",
		"",
		`<span class="x_verification-code">AB12CD</span>`,
		"--bb--",
		"",
	}, "\r\n")

	body := readMailBody(strings.NewReader(raw))
	if got := ExtractCode(body); got != "AB12CD" {
		t.Errorf("ExtractCode(html part) = %q, want AB12CD", got)
	}
}

func TestReadMailBodyFallsBackToRaw(t *testing.T) {
	var r io.Reader = strings.NewReader("not a mime message, code is here: 验证码为：QQ12WW")
	body := readMailBody(r)
	if got := ExtractCode(body); got != "QQ12WW" {
		t.Errorf("ExtractCode(raw fallback) = %q, want QQ12WW", got)
	}
}
