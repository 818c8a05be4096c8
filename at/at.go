package at

const (
	// Terminal Control
	CRLF    = "\r\n"
	Prompt  = "> "
	Connect = "CONNECT"
	CtrlZ   = "\x1a"

	// Response Codes
	OK        = "OK"
	ERROR     = "ERROR"
	NoCarrier = "NO CARRIER"
	SendOK    = "SEND OK"
	SendFail  = "SEND FAIL"
	CmeError  = "+CME ERROR:"
	CmsError  = "+CMS ERROR:"
	Ready     = "RDY"
)

type ResponseType int

const (
	TypeFinal   ResponseType = iota // OK, ERROR, CME/CMS errors
	TypeData                        // Intermediate command output (+CSQ: ...)
	TypePrompt                      // Payload input prompt
	TypeConnect                     // CONNECT, switches the line to binary
)

// Style describes how a command concludes on the wire.
type Style int

const (
	// StyleOK: zero or more "<body>: ..." parameter lines, then OK.
	StyleOK Style = iota
	// StyleRaw: a single raw line with no trailing OK (SEND OK / SEND FAIL).
	StyleRaw
	// StyleRawOK: one raw line without the command prefix, then OK (+GSN).
	StyleRawOK
)

// CmdID indexes the command descriptor table.
type CmdID int

const (
	CmdCCLK CmdID = iota
	CmdCEREG
	CmdCFUN
	CmdCGATT
	CmdCGDCONT
	CmdCGEREP
	CmdCGEV
	CmdCGREG
	CmdCMEE
	CmdCMGD
	CmdCMGF
	CmdCMGL
	CmdCMGR
	CmdCMGS
	CmdCMTI
	CmdCOPS
	CmdCPMS
	CmdCREG
	CmdCSCA
	CmdCSQ
	CmdGSN
	CmdQCCID
	CmdQCFG
	CmdQENG
	CmdQFDEL
	CmdQFUPL
	CmdQGPS
	CmdQGPSCFG
	CmdQGPSEND
	CmdQGPSLOC
	CmdQIACT
	CmdQICLOSE
	CmdQICSGP
	CmdQIDEACT
	CmdQIDNSCFG
	CmdQIDNSGIP
	CmdQIOPEN
	CmdQIRD
	CmdQISEND
	CmdQIURC
	CmdQSSLCFG
	CmdQSSLCLOSE
	CmdQSSLOPEN
	CmdQSSLRECV
	CmdQSSLSEND
	CmdQSSLURC
)

// Command is one row of the descriptor table.
type Command struct {
	Body  string
	Style Style
	URC   bool // may arrive unsolicited
	ID    CmdID
}

// commands is sorted by Body; Lookup binary-searches it. A response
// line matches a row only when the byte after the body is ':', so a
// shorter body can never shadow a longer one (+QIOPEN vs +QIRD).
var commands = [...]Command{
	{Body: "+CCLK", Style: StyleOK, ID: CmdCCLK},
	{Body: "+CEREG", Style: StyleOK, URC: true, ID: CmdCEREG},
	{Body: "+CFUN", Style: StyleOK, ID: CmdCFUN},
	{Body: "+CGATT", Style: StyleOK, ID: CmdCGATT},
	{Body: "+CGDCONT", Style: StyleOK, ID: CmdCGDCONT},
	{Body: "+CGEREP", Style: StyleOK, ID: CmdCGEREP},
	{Body: "+CGEV", Style: StyleOK, URC: true, ID: CmdCGEV},
	{Body: "+CGREG", Style: StyleOK, URC: true, ID: CmdCGREG},
	{Body: "+CMEE", Style: StyleOK, ID: CmdCMEE},
	{Body: "+CMGD", Style: StyleOK, ID: CmdCMGD},
	{Body: "+CMGF", Style: StyleOK, ID: CmdCMGF},
	{Body: "+CMGL", Style: StyleOK, ID: CmdCMGL},
	{Body: "+CMGR", Style: StyleOK, ID: CmdCMGR},
	{Body: "+CMGS", Style: StyleOK, ID: CmdCMGS},
	{Body: "+CMTI", Style: StyleOK, URC: true, ID: CmdCMTI},
	{Body: "+COPS", Style: StyleOK, ID: CmdCOPS},
	{Body: "+CPMS", Style: StyleOK, ID: CmdCPMS},
	{Body: "+CREG", Style: StyleOK, URC: true, ID: CmdCREG},
	{Body: "+CSCA", Style: StyleOK, ID: CmdCSCA},
	{Body: "+CSQ", Style: StyleOK, ID: CmdCSQ},
	{Body: "+GSN", Style: StyleRawOK, ID: CmdGSN},
	{Body: "+QCCID", Style: StyleOK, ID: CmdQCCID},
	{Body: "+QCFG", Style: StyleOK, ID: CmdQCFG},
	{Body: "+QENG", Style: StyleOK, ID: CmdQENG},
	{Body: "+QFDEL", Style: StyleOK, ID: CmdQFDEL},
	{Body: "+QFUPL", Style: StyleOK, ID: CmdQFUPL},
	{Body: "+QGPS", Style: StyleOK, ID: CmdQGPS},
	{Body: "+QGPSCFG", Style: StyleOK, ID: CmdQGPSCFG},
	{Body: "+QGPSEND", Style: StyleOK, ID: CmdQGPSEND},
	{Body: "+QGPSLOC", Style: StyleOK, ID: CmdQGPSLOC},
	{Body: "+QIACT", Style: StyleOK, ID: CmdQIACT},
	{Body: "+QICLOSE", Style: StyleOK, ID: CmdQICLOSE},
	{Body: "+QICSGP", Style: StyleOK, ID: CmdQICSGP},
	{Body: "+QIDEACT", Style: StyleOK, ID: CmdQIDEACT},
	{Body: "+QIDNSCFG", Style: StyleOK, ID: CmdQIDNSCFG},
	{Body: "+QIDNSGIP", Style: StyleOK, ID: CmdQIDNSGIP},
	{Body: "+QIOPEN", Style: StyleOK, URC: true, ID: CmdQIOPEN},
	{Body: "+QIRD", Style: StyleOK, ID: CmdQIRD},
	{Body: "+QISEND", Style: StyleRaw, ID: CmdQISEND},
	{Body: "+QIURC", Style: StyleOK, URC: true, ID: CmdQIURC},
	{Body: "+QSSLCFG", Style: StyleOK, ID: CmdQSSLCFG},
	{Body: "+QSSLCLOSE", Style: StyleOK, ID: CmdQSSLCLOSE},
	{Body: "+QSSLOPEN", Style: StyleOK, URC: true, ID: CmdQSSLOPEN},
	{Body: "+QSSLRECV", Style: StyleOK, ID: CmdQSSLRECV},
	{Body: "+QSSLSEND", Style: StyleRaw, ID: CmdQSSLSEND},
	{Body: "+QSSLURC", Style: StyleOK, URC: true, ID: CmdQSSLURC},
}

// ByID returns the descriptor for id.
func ByID(id CmdID) *Command {
	return &commands[id]
}

// Lookup matches a response line against the descriptor table and
// returns the matching command, or nil for lines that carry no known
// "+CMD:" prefix (+QIND diagnostics, raw data lines).
func Lookup(line string) *Command {
	lo, hi := 0, len(commands)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		cmd := &commands[mid]
		r := comparePrefix(line, cmd.Body)
		if r == 0 && (len(line) <= len(cmd.Body) || line[len(cmd.Body)] != ':') {
			// body matched but the line continues with more name
			// bytes: the real command sorts after this row
			r = 1
		}
		switch {
		case r > 0:
			lo = mid + 1
		case r < 0:
			hi = mid - 1
		default:
			return cmd
		}
	}
	return nil
}

func comparePrefix(line, body string) int {
	n := len(body)
	if len(line) < n {
		n = len(line)
	}
	for i := 0; i < n; i++ {
		if line[i] != body[i] {
			if line[i] > body[i] {
				return 1
			}
			return -1
		}
	}
	if len(line) < len(body) {
		return -1
	}
	return 0
}

// Args returns the argument portion of a "<body>: ..." response line.
// ok is false when line is not a response for cmd.
func Args(line string, cmd *Command) (args string, ok bool) {
	n := len(cmd.Body)
	if len(line) <= n+1 || line[:n] != cmd.Body || line[n] != ':' {
		return "", false
	}
	rest := line[n+1:]
	if rest[0] == ' ' {
		rest = rest[1:]
	}
	return rest, true
}
