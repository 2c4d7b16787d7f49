// Package db handles database connections and schema migration for Chorus.
package db

import (
	"fmt"

	"github.com/voxpool/chorus/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN from database settings.
func DSN(c config.Database) string {
	cred := c.User
	if c.Password != "" {
		cred += ":" + c.Password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, c.Host, c.Port, c.Database)
}

// Connect opens a GORM connection to the MySQL server.
func Connect(c config.Database) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(c)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", c.Host, c.Port, c.Database, err)
	}
	return db, nil
}

// ConnectAdmin opens a GORM connection without selecting a database, used
// for CREATE DATABASE operations.
func ConnectAdmin(c config.Database) (*gorm.DB, error) {
	cred := c.User
	if c.Password != "" {
		cred += ":" + c.Password
	}
	dsn := fmt.Sprintf("%s@tcp(%s:%d)/?parseTime=true", cred, c.Host, c.Port)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", c.Host, c.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
