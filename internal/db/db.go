package db

import (
	"log"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func ConnectMySQL(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("connect mysql: %v", err)
	}
	return gdb
}

func ConnectSQLite(path string) *gorm.DB {
	gdb, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("connect sqlite: %v", err)
	}
	return gdb
}
