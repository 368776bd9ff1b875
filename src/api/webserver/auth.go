package webserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = time.Hour

type Auth struct {
	passHash  []byte
	jwtSecret []byte
}

func NewAuth(passHash string, secret []byte) Auth {
	return Auth{passHash: []byte(passHash), jwtSecret: secret}
}

// Token exchanges the admin password for a bearer token.
func (a Auth) Token(c *gin.Context) {
	if len(a.passHash) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "admin login disabled"})
		return
	}
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if err := bcrypt.CompareHashAndPassword(a.passHash, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "bad credentials"})
		return
	}
	exp := time.Now().Add(tokenTTL)
	token, err := issueJWT("admin", a.jwtSecret, exp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp.UTC()})
}

func issueJWT(sub string, secret []byte, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
