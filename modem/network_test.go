package modem_test

import (
	"context"
	"errors"
	"testing"

	"github.com/zerynth/lib-quectel-bg96/modem"
)

func TestCheckNetwork(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+CREG?\r")
		tt.SendData("+CREG: 2,1,\"27A8\",\"0000681F\"\r\nOK\r\n")
		expectWrite(t, tt, "AT+CGREG?\r")
		tt.SendData("+CGREG: 2,0\r\nOK\r\n")
		expectWrite(t, tt, "AT+CEREG?\r")
		tt.SendData("+CEREG: 2,1,\"27A8\",\"0000681F\",8\r\nOK\r\n")
	})

	registered, err := m.CheckNetwork(context.Background())
	if err != nil {
		t.Fatalf("check network: %v", err)
	}
	if !registered {
		t.Error("expected registered network")
	}
	<-done
}

func TestNetworkInfo(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+CREG?\r")
		tt.SendData("+CREG: 2,5\r\nOK\r\n")
		expectWrite(t, tt, "AT+CGREG?\r")
		tt.SendData("+CGREG: 2,0\r\nOK\r\n")
		expectWrite(t, tt, "AT+CEREG?\r")
		tt.SendData("+CEREG: 2,5,\"27A8\",\"0000681F\",9\r\nOK\r\n")
		expectWrite(t, tt, "AT+COPS?\r")
		tt.SendData("+COPS: 0,0,\"vodafone IT\",9\r\nOK\r\n")
	})

	info, err := m.NetworkInfo(context.Background())
	if err != nil {
		t.Fatalf("network info: %v", err)
	}
	if !info.Registered || !info.Roaming {
		t.Errorf("expected registered roaming, got %+v", info)
	}
	if info.Operator != "vodafone IT" {
		t.Errorf("operator %q, want %q", info.Operator, "vodafone IT")
	}
	if info.Tech&modem.TechNBIoT == 0 {
		t.Errorf("tech %b, want NB-IoT bit set", info.Tech)
	}
	if info.LAC != "27A8" || info.CI != "0000681F" {
		t.Errorf("cell %s/%s, want 27A8/0000681F", info.LAC, info.CI)
	}
	<-done
}

func TestMobileInfo(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+GSN\r")
		tt.SendData("861234567890123\r\nOK\r\n")
		expectWrite(t, tt, "AT+QCCID\r")
		tt.SendData("+QCCID: 89390100001234567890\r\nOK\r\n")
	})

	info, err := m.MobileInfo(context.Background())
	if err != nil {
		t.Fatalf("mobile info: %v", err)
	}
	if info.IMEI != "861234567890123" {
		t.Errorf("imei %q", info.IMEI)
	}
	if info.ICCID != "89390100001234567890" {
		t.Errorf("iccid %q", info.ICCID)
	}
	<-done
}

func TestLinkInfo(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+QIACT?\r")
		tt.SendData("+QIACT: 1,1,1,\"10.20.30.40\"\r\nOK\r\n")
		expectWrite(t, tt, "AT+QIDNSCFG=1\r")
		tt.SendData("+QIDNSCFG: 1,\"8.8.8.8\",\"8.8.4.4\"\r\nOK\r\n")
	})

	info, err := m.LinkInfo(context.Background())
	if err != nil {
		t.Fatalf("link info: %v", err)
	}
	if info.IP != "10.20.30.40" {
		t.Errorf("ip %q", info.IP)
	}
	if info.PrimaryDNS != "8.8.8.8" || info.BackupDNS != "8.8.4.4" {
		t.Errorf("dns %q/%q", info.PrimaryDNS, info.BackupDNS)
	}
	<-done
}

func TestRSSI(t *testing.T) {
	m, tt := newLoopModem(t)
	ctx := context.Background()

	done := script(func() {
		expectWrite(t, tt, "AT+CSQ\r")
		tt.SendData("+CSQ: 22,99\r\nOK\r\n")
		expectWrite(t, tt, "AT+CSQ\r")
		tt.SendData("+CSQ: 99,99\r\nOK\r\n")
	})

	rssi, err := m.RSSI(ctx)
	if err != nil {
		t.Fatalf("rssi: %v", err)
	}
	if rssi != -69 {
		t.Errorf("rssi %d dBm, want -69", rssi)
	}

	rssi, err = m.RSSI(ctx)
	if err != nil {
		t.Fatalf("rssi: %v", err)
	}
	if rssi != 0 {
		t.Errorf("rssi %d dBm, want 0 for unknown", rssi)
	}
	<-done
}

func TestAttach(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+CREG?\r")
		tt.SendData("+CREG: 2,1\r\nOK\r\n")
		expectWrite(t, tt, "AT+CGREG?\r")
		tt.SendData("+CGREG: 2,1\r\nOK\r\n")
		expectWrite(t, tt, "AT+CEREG?\r")
		tt.SendData("+CEREG: 2,1\r\nOK\r\n")

		expectWrite(t, tt, "AT+CGATT=1\r")
		tt.SendData("OK\r\n")
		expectWrite(t, tt, "AT+QICSGP=1,1,\"iot.apn\",\"\",\"\",0\r")
		tt.SendData("OK\r\n")
		expectWrite(t, tt, "AT+QIACT=1\r")
		tt.SendData("OK\r\n")
	})

	if err := m.Attach(context.Background(), "iot.apn", "", "", 0); err != nil {
		t.Fatalf("attach: %v", err)
	}
	<-done
}

func TestOperators(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+COPS=?\r")
		tt.SendData("+COPS: (2,\"I TIM\",\"TIM\",\"22201\",0)," +
			"(1,\"vodafone IT\",\"voda IT\",\"22210\",8),,(0-4),(0-2)\r\nOK\r\n")
	})

	ops, err := m.Operators(context.Background())
	if err != nil {
		t.Fatalf("operator scan: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d operators, want 2", len(ops))
	}
	if ops[0].Status != 2 || ops[0].Long != "I TIM" || ops[0].Numeric != "22201" {
		t.Errorf("first operator %+v", ops[0])
	}
	if ops[0].Tech != modem.TechGSM {
		t.Errorf("first operator tech %b, want GSM", ops[0].Tech)
	}
	if ops[1].Status != 1 || ops[1].Tech != modem.TechLTEM {
		t.Errorf("second operator %+v", ops[1])
	}
	<-done
}

func TestSetRAT(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+QCFG=\"nwscanmode\",0,1\r")
		tt.SendData("OK\r\n")
		expectWrite(t, tt, "AT+QCFG=\"iotopmode\",2,1\r")
		tt.SendData("OK\r\n")
		expectWrite(t, tt, "AT+QCFG=\"band\",0x0,0x80084,0x80084,1\r")
		tt.SendData("OK\r\n")
	})

	if err := m.SetRAT(context.Background(), 0, 2, "0x0,0x80084,0x80084"); err != nil {
		t.Fatalf("set rat: %v", err)
	}
	<-done
}

func TestResolve(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+QIDNSGIP=1,\"example.com\"\r")
		tt.SendData("OK\r\n")
		tt.SendData("+QIURC: \"dnsgip\",0,2,600\r\n")
		tt.SendData("+QIURC: \"dnsgip\",\"93.184.216.34\"\r\n")
		tt.SendData("+QIURC: \"dnsgip\",\"93.184.216.35\"\r\n")
	})

	ip, err := m.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// the first answer wins
	if ip != "93.184.216.34" {
		t.Errorf("resolved %q, want 93.184.216.34", ip)
	}
	<-done
}

func TestResolveFailure(t *testing.T) {
	m, tt := newLoopModem(t)

	done := script(func() {
		expectWrite(t, tt, "AT+QIDNSGIP=1,\"nosuch.invalid\"\r")
		tt.SendData("OK\r\n")
		tt.SendData("+QIURC: \"dnsgip\",561\r\n")
	})

	_, err := m.Resolve(context.Background(), "nosuch.invalid")
	if !errors.Is(err, modem.ErrDNSFailure) {
		t.Errorf("expected ErrDNSFailure, got: %v", err)
	}
	<-done
}
