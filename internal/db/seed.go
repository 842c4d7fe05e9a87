package db

import (
	"context"
	_ "embed"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed seed.yaml
var seedYAML []byte

type Fixture struct {
	Users        []SeedUser        `yaml:"users"`
	VehicleTypes []SeedVehicleType `yaml:"vehicle_types"`
	Companies    []SeedCompany     `yaml:"companies"`
	Investors    []SeedInvestor    `yaml:"investors"`
}

type SeedUser struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

type SeedVehicleType struct {
	Name       string  `yaml:"name"`
	Capacity   int     `yaml:"capacity"`
	BaseFare   float64 `yaml:"base_fare"`
	PricePerKm float64 `yaml:"price_per_km"`
}

type SeedCompany struct {
	Name     string        `yaml:"name"`
	Email    string        `yaml:"email"`
	Phone    string        `yaml:"phone"`
	Status   string        `yaml:"status"`
	Login    *SeedUser     `yaml:"login"`
	Drivers  []SeedDriver  `yaml:"drivers"`
	Vehicles []SeedVehicle `yaml:"vehicles"`
}

type SeedDriver struct {
	Name          string `yaml:"name"`
	Phone         string `yaml:"phone"`
	LicenseNumber string `yaml:"license_number"`
	LoginEmail    string `yaml:"login_email"`
	Password      string `yaml:"password"`
}

type SeedVehicle struct {
	Plate       string `yaml:"plate"`
	VehicleType string `yaml:"vehicle_type"`
	Capacity    int    `yaml:"capacity"`
}

type SeedInvestor struct {
	Name   string      `yaml:"name"`
	Email  string      `yaml:"email"`
	Shares []SeedShare `yaml:"shares"`
}

type SeedShare struct {
	Company    string  `yaml:"company"`
	Percentage float64 `yaml:"percentage"`
}

// LoadFixture parses the embedded seed fixture.
func LoadFixture() (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(seedYAML, &f); err != nil {
		return f, fmt.Errorf("parse seed fixture: %w", err)
	}
	return f, nil
}

func hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Seed loads the fixture. Idempotent: every insert is keyed on a natural
// unique column with ON CONFLICT DO NOTHING.
func Seed(ctx context.Context, pool *pgxpool.Pool) error {
	f, err := LoadFixture()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, u := range f.Users {
		h, err := hash(u.Password)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
      INSERT INTO users (name, email, password_hash, role)
      VALUES ($1,$2,$3,$4)
      ON CONFLICT (email) DO NOTHING
    `, u.Name, u.Email, h, u.Role); err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
	}

	for _, vt := range f.VehicleTypes {
		if _, err := tx.Exec(ctx, `
      INSERT INTO vehicle_types (name, capacity, base_fare, price_per_km)
      VALUES ($1,$2,$3,$4)
      ON CONFLICT (name) DO NOTHING
    `, vt.Name, vt.Capacity, vt.BaseFare, vt.PricePerKm); err != nil {
			return fmt.Errorf("seed vehicle_types: %w", err)
		}
	}

	for _, c := range f.Companies {
		// Active companies join at the back of the queue.
		if _, err := tx.Exec(ctx, `
      INSERT INTO companies (name, email, phone, status, queue_position)
      VALUES ($1,$2,$3,$4,
        CASE WHEN $4 = 'active'
          THEN (SELECT COALESCE(MAX(queue_position), 0) + 1 FROM companies WHERE status = 'active')
        END)
      ON CONFLICT (name) DO NOTHING
    `, c.Name, c.Email, c.Phone, c.Status); err != nil {
			return fmt.Errorf("seed companies: %w", err)
		}
		var companyID int64
		if err := tx.QueryRow(ctx, `SELECT id FROM companies WHERE name = $1`, c.Name).Scan(&companyID); err != nil {
			return fmt.Errorf("seed companies: %w", err)
		}

		if c.Login != nil {
			h, err := hash(c.Login.Password)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
        INSERT INTO users (name, email, password_hash, role, company_id)
        VALUES ($1,$2,$3,'COMPANY',$4)
        ON CONFLICT (email) DO NOTHING
      `, c.Login.Name, c.Login.Email, h, companyID); err != nil {
				return fmt.Errorf("seed company users: %w", err)
			}
		}

		for _, d := range c.Drivers {
			if _, err := tx.Exec(ctx, `
        INSERT INTO drivers (company_id, name, phone, license_number)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (license_number) DO NOTHING
      `, companyID, d.Name, d.Phone, d.LicenseNumber); err != nil {
				return fmt.Errorf("seed drivers: %w", err)
			}
			if d.LoginEmail == "" {
				continue
			}
			h, err := hash(d.Password)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
        INSERT INTO users (name, email, password_hash, role, company_id, driver_id)
        SELECT $1, $2, $3, 'DRIVER', company_id, id FROM drivers WHERE license_number = $4
        ON CONFLICT (email) DO NOTHING
      `, d.Name, d.LoginEmail, h, d.LicenseNumber); err != nil {
				return fmt.Errorf("seed driver users: %w", err)
			}
		}

		for _, v := range c.Vehicles {
			if _, err := tx.Exec(ctx, `
        INSERT INTO vehicles (company_id, vehicle_type_id, plate, capacity)
        SELECT $1, id, $3, $4 FROM vehicle_types WHERE name = $2
        ON CONFLICT (plate) DO NOTHING
      `, companyID, v.VehicleType, v.Plate, v.Capacity); err != nil {
				return fmt.Errorf("seed vehicles: %w", err)
			}
		}
	}

	for _, inv := range f.Investors {
		if _, err := tx.Exec(ctx, `
      INSERT INTO investors (name, email) VALUES ($1,$2)
      ON CONFLICT (email) DO NOTHING
    `, inv.Name, inv.Email); err != nil {
			return fmt.Errorf("seed investors: %w", err)
		}
		for _, sh := range inv.Shares {
			if _, err := tx.Exec(ctx, `
        INSERT INTO investor_shares (investor_id, company_id, percentage)
        SELECT i.id, c.id, $3
        FROM investors i, companies c
        WHERE i.email = $1 AND c.name = $2
        ON CONFLICT (investor_id, company_id) DO NOTHING
      `, inv.Email, sh.Company, sh.Percentage); err != nil {
				return fmt.Errorf("seed investor_shares: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}
