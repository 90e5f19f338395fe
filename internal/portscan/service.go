package portscan

import "strings"

const maxBannerLength = 200

var wellKnownPorts = map[uint16]string{
	20:    "FTP-Data",
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	111:   "RPCBind",
	135:   "MSRPC",
	139:   "NetBIOS",
	143:   "IMAP",
	161:   "SNMP",
	389:   "LDAP",
	443:   "HTTPS",
	445:   "SMB",
	465:   "SMTPS",
	587:   "Submission",
	636:   "LDAPS",
	993:   "IMAPS",
	995:   "POP3S",
	1433:  "MSSQL",
	1521:  "Oracle",
	2049:  "NFS",
	3306:  "MySQL",
	3389:  "RDP",
	4222:  "NATS",
	5432:  "PostgreSQL",
	5672:  "AMQP",
	5900:  "VNC",
	6379:  "Redis",
	8080:  "HTTP-Alt",
	8443:  "HTTPS-Alt",
	9000:  "ClickHouse",
	9200:  "Elasticsearch",
	11211: "Memcached",
	27017: "MongoDB",
}

// UnknownService is reported when neither the port nor the banner identify a service.
const UnknownService = "Unknown"

type bannerRule struct {
	service string
	match   func(upper string) bool
}

// bannerRules are checked in order against the upper-cased banner.
var bannerRules = []bannerRule{
	{"SSH", func(b string) bool { return strings.HasPrefix(b, "SSH-") }},
	{"HTTP", func(b string) bool { return strings.HasPrefix(b, "HTTP/") }},
	{"FTP", func(b string) bool { return strings.HasPrefix(b, "220") && strings.Contains(b, "FTP") }},
	{"SMTP", func(b string) bool { return strings.HasPrefix(b, "220") && strings.Contains(b, "SMTP") }},
	{"POP3", func(b string) bool { return strings.HasPrefix(b, "+OK") }},
	{"IMAP", func(b string) bool { return strings.HasPrefix(b, "* OK") }},
	{"VNC", func(b string) bool { return strings.HasPrefix(b, "RFB ") }},
	{"Redis", func(b string) bool {
		return strings.HasPrefix(b, "-NOAUTH") || strings.HasPrefix(b, "-ERR") || strings.Contains(b, "REDIS")
	}},
	{"MySQL", func(b string) bool { return strings.Contains(b, "MYSQL") || strings.Contains(b, "MARIADB") }},
}

// ServiceName infers the service behind a port. A recognized banner wins over
// the well-known port table.
func ServiceName(port uint16, banner string) string {
	if banner != "" {
		upper := strings.ToUpper(banner)
		for _, rule := range bannerRules {
			if rule.match(upper) {
				return rule.service
			}
		}
	}
	if name, ok := wellKnownPorts[port]; ok {
		return name
	}
	return UnknownService
}

// TrimBanner strips surrounding whitespace and caps the banner length.
func TrimBanner(banner string) string {
	banner = strings.TrimSpace(banner)
	if len(banner) <= maxBannerLength {
		return banner
	}
	runes := []rune(banner)
	if len(runes) > maxBannerLength {
		runes = runes[:maxBannerLength]
	}
	return string(runes)
}
