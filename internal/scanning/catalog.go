package scanning

// UnknownService is the label for ports missing from the service table.
const UnknownService = "Unknown"

var serviceNames = map[int]string{
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	143:   "IMAP",
	443:   "HTTPS",
	993:   "IMAPS",
	995:   "POP3S",
	3306:  "MySQL",
	3389:  "RDP",
	5432:  "PostgreSQL",
	6379:  "Redis",
	8080:  "HTTP-Alt",
	8443:  "HTTPS-Alt",
	9200:  "Elasticsearch",
	27017: "MongoDB",
}

var banners = map[int]string{
	22:   "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.5",
	80:   "HTTP/1.1 200 OK\nServer: Apache/2.4.41 (Ubuntu)",
	443:  "HTTP/1.1 200 OK\nServer: nginx/1.18.0 (Ubuntu)",
	3306: "MySQL 8.0.28-0ubuntu0.20.04.3",
	5432: "PostgreSQL 12.9 on x86_64-pc-linux-gnu",
	6379: "Redis server v=6.0.16 sha=00000000:0 malloc=jemalloc-5.2.1",
	8080: "HTTP/1.1 200 OK\nServer: Jetty(9.4.43.v20210629)",
}

// ServiceName returns the simulated service label for port.
func ServiceName(port int) string {
	if name, ok := serviceNames[port]; ok {
		return name
	}
	return UnknownService
}

// BannerFor returns the simulated banner for port, or "" when none is known.
func BannerFor(port int) string {
	return banners[port]
}

// Probe classifies one port and assembles its result. The banner is only
// filled in when grabbing is requested and the port is open.
func Probe(c Classifier, port int, bannerGrab bool) PortResult {
	result := PortResult{
		Port:    port,
		Status:  c.Classify(port),
		Service: ServiceName(port),
	}
	if bannerGrab && result.Status == StatusOpen {
		result.Banner = BannerFor(port)
	}
	return result
}
