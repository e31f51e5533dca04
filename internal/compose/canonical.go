package compose

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Canonical service and volume names.
const (
	ServiceApp       = "app"
	ServicePostgres  = "postgres"
	ServiceRedis     = "redis"
	ServiceCassandra = "cassandra"

	VolumePostgres  = "postgres_data"
	VolumeRedis     = "redis_data"
	VolumeCassandra = "cassandra_data"
)

// Params parameterises the canonical descriptor. Values may carry
// ${VAR} references that the container runtime resolves at deploy time.
type Params struct {
	PostgresImage  string
	RedisImage     string
	CassandraImage string

	DBUser     string
	DBPassword string
	DBName     string

	RedisPassword string

	CassandraUser     string
	CassandraPassword string
	Keyspace          string

	AppPort int
	EnvFile string
}

// DefaultParams leaves credentials as references into the deploy-time
// environment so secrets never land in the rendered file.
func DefaultParams() Params {
	return Params{
		PostgresImage:     "postgres:15",
		RedisImage:        "redis:7",
		CassandraImage:    "bitnami/cassandra:4.1",
		DBUser:            "${POSTGRES_USER:-socialsense}",
		DBPassword:        "${POSTGRES_PASSWORD}",
		DBName:            "${POSTGRES_DB:-instagram_app}",
		RedisPassword:     "${REDIS_PASSWORD}",
		CassandraUser:     "${CASSANDRA_USERNAME:-cassandra}",
		CassandraPassword: "${CASSANDRA_PASSWORD}",
		Keyspace:          "${CASSANDRA_KEYSPACE:-instagram_app}",
		AppPort:           AppPort,
		EnvFile:           ".env",
	}
}

// Canonical builds the reference four-service stack: the application built
// from the current directory, depending on one relational, one cache and one
// wide-column store, each persisting to its own named volume.
func Canonical(p Params) *Descriptor {
	if p.AppPort == 0 {
		p.AppPort = AppPort
	}
	port := strconv.Itoa(p.AppPort)

	app := Service{
		Build: &Build{Context: "."},
		Ports: []string{port + ":" + port},
		Volumes: []string{
			".:/app",
		},
		Environment: Environment{
			"DATABASE_URL":       DatabaseURL(p.DBUser, p.DBPassword, ServicePostgres, 5432, p.DBName),
			"REDIS_HOST":         ServiceRedis,
			"CASSANDRA_HOST":     ServiceCassandra,
			"CASSANDRA_KEYSPACE": p.Keyspace,
		},
		DependsOn: DependsOn{
			ServicePostgres:  {Condition: DefaultCondition},
			ServiceRedis:     {Condition: DefaultCondition},
			ServiceCassandra: {Condition: DefaultCondition},
		},
	}
	if p.EnvFile != "" {
		app.EnvFile = []string{p.EnvFile}
	}

	return &Descriptor{
		Services: map[string]Service{
			ServiceApp: app,
			ServicePostgres: {
				Image: p.PostgresImage,
				Environment: Environment{
					"POSTGRES_USER":     p.DBUser,
					"POSTGRES_PASSWORD": p.DBPassword,
					"POSTGRES_DB":       p.DBName,
				},
				Volumes: []string{VolumePostgres + ":/var/lib/postgresql/data"},
			},
			ServiceRedis: {
				Image:   p.RedisImage,
				Command: Command("redis-server --requirepass " + p.RedisPassword),
				Volumes: []string{VolumeRedis + ":/data"},
			},
			ServiceCassandra: {
				Image: p.CassandraImage,
				Environment: Environment{
					"CASSANDRA_AUTHENTICATOR": "PasswordAuthenticator",
					"CASSANDRA_USER":          p.CassandraUser,
					"CASSANDRA_PASSWORD":      p.CassandraPassword,
				},
				Volumes: []string{VolumeCassandra + ":/bitnami"},
			},
		},
		Volumes: map[string]Volume{
			VolumePostgres:  {},
			VolumeRedis:     {},
			VolumeCassandra: {},
		},
	}
}

// DatabaseURL assembles a postgres connection string. Interpolation
// references in user and password are kept verbatim.
func DatabaseURL(user, password, host string, port int, name string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		escapeUserinfo(user), escapeUserinfo(password), host, port, name)
}

func escapeUserinfo(s string) string {
	if len(s) > 0 && s[0] == '$' {
		return s
	}
	return url.PathEscape(s)
}

// Render marshals a descriptor to YAML with two-space indentation.
func Render(d *Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("render descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render descriptor: %w", err)
	}
	return buf.Bytes(), nil
}
