package deploy

import "testing"

func TestParseAndValidateRejectsEmptyServices(t *testing.T) {
	_, _, err := ParseAndValidate([]byte("services: {}\n"))
	if err == nil {
		t.Fatal("expected error for empty services")
	}
}

func TestParseAndValidateRejectsMissingImageAndBuild(t *testing.T) {
	doc := []byte(`
services:
  web:
    ports:
      - "8080:80"
`)
	_, _, err := ParseAndValidate(doc)
	if err == nil {
		t.Fatal("expected error for service with neither image nor build")
	}
}

func TestParseAndValidateRejectsBadPort(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx
    ports:
      - "not-a-port"
`)
	_, _, err := ParseAndValidate(doc)
	if err == nil {
		t.Fatal("expected error for invalid port mapping")
	}
}

func TestParseAndValidateRejectsNetworkModeAndNetworksTogether(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx
    network_mode: host
    networks:
      - appnet
`)
	_, _, err := ParseAndValidate(doc)
	if err == nil {
		t.Fatal("expected error when network_mode and networks both set")
	}
}

func TestParseAndValidateRejectsUnsafeTag(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: !!python/object:os.system nginx
`)
	_, _, err := ParseAndValidate(doc)
	if err == nil {
		t.Fatal("expected error for unsafe YAML tag")
	}
}

func TestParseAndValidateDependencyOrder(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx
    depends_on:
      - db
      - cache
  db:
    image: postgres
  cache:
    image: redis
`)
	_, order, err := ParseAndValidate(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if pos["db"] >= pos["web"] || pos["cache"] >= pos["web"] {
		t.Fatalf("expected db and cache before web, got order %v", order)
	}
}

func TestParseAndValidateDependsOnMapForm(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx
    depends_on:
      db:
        condition: service_started
  db:
    image: postgres
`)
	_, order, err := ParseAndValidate(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "db" || order[1] != "web" {
		t.Fatalf("expected [db web], got %v", order)
	}
}

func TestParseAndValidateSelfDependency(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx
    depends_on:
      - web
`)
	_, _, err := ParseAndValidate(doc)
	if err == nil {
		t.Fatal("expected error for service depending on itself")
	}
}

func TestParseAndValidateDependencyCycle(t *testing.T) {
	doc := []byte(`
services:
  a:
    image: nginx
    depends_on:
      - b
  b:
    image: nginx
    depends_on:
      - a
`)
	_, _, err := ParseAndValidate(doc)
	if err == nil {
		t.Fatal("expected error for dependency cycle")
	}
}

func TestParseAndValidateUnknownDependency(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx
    depends_on:
      - ghost
`)
	_, _, err := ParseAndValidate(doc)
	if err == nil {
		t.Fatal("expected error for depends_on referencing unknown service")
	}
}

func TestValidatePortMapping(t *testing.T) {
	cases := map[string]bool{
		"80":                  true,
		"8080:80":             true,
		"127.0.0.1:8080:80":   true,
		"8080:80/udp":         true,
		"not-a-port":          false,
		"8080:80:extra:stuff": false,
	}
	for p, wantOK := range cases {
		err := validatePortMapping(p)
		if (err == nil) != wantOK {
			t.Errorf("validatePortMapping(%q): got err=%v, want ok=%v", p, err, wantOK)
		}
	}
}
